package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	SpoolDir           = "/var/spool/license-server/audit"
	MaxSpoolSize int64 = 1024 * 1024 * 1024 // 1GB
)

func ConfigureFailover(dir string, maxMB int64) {
	if dir != "" {
		SpoolDir = dir
	}
	if maxMB > 0 {
		MaxSpoolSize = maxMB * 1024 * 1024
	}
	_ = os.MkdirAll(SpoolDir, 0750)
}

// SpoolEvent appends the event to the local JSONL spool.
func SpoolEvent(evt Event) error {
	if isSpoolFull() {
		return fmt.Errorf("audit spool full")
	}

	payload := FailoverEvent{
		EventID:   evt.EventID.String(),
		Payload:   evt,
		Timestamp: time.Now(),
	}

	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	filename := filepath.Join(SpoolDir, "audit_spool.log")

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}

	return nil
}

func isSpoolFull() bool {
	var size int64
	filepath.Walk(SpoolDir, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size >= MaxSpoolSize
}

// Replayer (Background Worker)
func (s *Service) StartReplayer(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

var replayLock sync.Mutex

// ReplaySpool flushes spooled events back to the DB. Events that still fail
// get re-spooled by WriteEvent, so nothing is lost across outages.
func (s *Service) ReplaySpool(ctx context.Context) {
	replayLock.Lock()
	defer replayLock.Unlock()

	filename := filepath.Join(SpoolDir, "audit_spool.log")
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || err != nil || info.Size() == 0 {
		return
	}

	// Rename to replay
	replayFile := filepath.Join(SpoolDir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(filename, replayFile); err != nil {
		log.Printf("failed to rotate spool for replay: %v", err)
		return
	}

	f, err := os.Open(replayFile)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var succeeded int

	for scanner.Scan() {
		var fe FailoverEvent
		if err := json.Unmarshal(scanner.Bytes(), &fe); err != nil {
			continue
		}

		// WriteEvent re-spools on failure, so a still-down DB just moves the
		// event back into audit_spool.log for the next pass.
		if err := s.WriteEvent(ctx, fe.Payload); err == nil {
			succeeded++
		}
	}

	f.Close()
	os.Remove(replayFile)

	if succeeded > 0 {
		log.Printf("audit replay: %d events flushed", succeeded)
	}
}
