package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/yingzhisoft/license-server/internal/signer"
)

// keygen manages the license signing keyset file.
//
//	keygen -keyset keys/signing_keyset.json -add v2          add a key and make it active
//	keygen -keyset keys/signing_keyset.json -retire v1       stop signing with a key, keep verifying
//	keygen -keyset keys/signing_keyset.json -public-only out  strip private halves for verify-only hosts
func main() {
	path := flag.String("keyset", "keys/signing_keyset.json", "Keyset file path")
	add := flag.String("add", "", "Generate a new key with this KID and make it the signing key")
	retire := flag.String("retire", "", "Mark this KID non-signing (verification stays)")
	publicOnly := flag.String("public-only", "", "Write a verify-only copy of the keyset to this path")
	flag.Parse()

	var kf signer.KeysetFile
	raw, err := os.ReadFile(*path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &kf); err != nil {
			log.Fatalf("parse %s: %v", *path, err)
		}
	case os.IsNotExist(err) && *add != "":
		// New keyset, first key.
	default:
		if err != nil {
			log.Fatalf("read %s: %v", *path, err)
		}
	}

	switch {
	case *add != "":
		for _, k := range kf.Keys {
			if k.KID == *add {
				log.Fatalf("kid %s already exists", *add)
			}
		}
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			log.Fatalf("keygen: %v", err)
		}
		// Only one key signs at a time.
		for i := range kf.Keys {
			kf.Keys[i].Signing = false
		}
		kf.Keys = append(kf.Keys, signer.KeysetEntry{
			KID:     *add,
			Public:  base64.StdEncoding.EncodeToString(pub),
			Private: base64.StdEncoding.EncodeToString(priv),
			Signing: true,
		})
		kf.SigningKID = *add
		writeKeyset(*path, &kf, 0o600)
		fmt.Printf("added %s, now signing\n", *add)

	case *retire != "":
		found := false
		for i := range kf.Keys {
			if kf.Keys[i].KID == *retire {
				kf.Keys[i].Signing = false
				found = true
			}
		}
		if !found {
			log.Fatalf("kid %s not found", *retire)
		}
		if kf.SigningKID == *retire {
			kf.SigningKID = ""
			for _, k := range kf.Keys {
				if k.Signing {
					kf.SigningKID = k.KID
					break
				}
			}
		}
		writeKeyset(*path, &kf, 0o600)
		if kf.SigningKID == "" {
			fmt.Printf("retired %s; WARNING: no signing key remains\n", *retire)
		} else {
			fmt.Printf("retired %s, signing with %s\n", *retire, kf.SigningKID)
		}

	case *publicOnly != "":
		out := signer.KeysetFile{SigningKID: kf.SigningKID}
		for _, k := range kf.Keys {
			k.Private = ""
			out.Keys = append(out.Keys, k)
		}
		writeKeyset(*publicOnly, &out, 0o644)
		fmt.Printf("wrote verify-only keyset to %s\n", *publicOnly)

	default:
		fmt.Printf("keyset %s: %d keys, signing_kid=%s\n", *path, len(kf.Keys), kf.SigningKID)
		for _, k := range kf.Keys {
			role := "verify-only"
			if k.Signing {
				role = "signing"
			}
			fmt.Printf("  %s  %s\n", k.KID, role)
		}
	}
}

func writeKeyset(path string, kf *signer.KeysetFile, mode os.FileMode) {
	raw, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		log.Fatalf("marshal keyset: %v", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, mode); err != nil {
		log.Fatalf("write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		log.Fatalf("rename %s: %v", tmp, err)
	}
}
