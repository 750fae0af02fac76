// Command keygen prints license keys with the hash the store indexes them
// by. Use it to pre-generate keys for offline distribution; keys issued
// through the admin API do not need it.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"licensehub/internal/license"
)

type generatedKey struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

func main() {
	count := flag.Int("n", 1, "number of keys to generate")
	asJSON := flag.Bool("json", false, "print one JSON object per line")
	flag.Parse()

	if err := generate(os.Stdout, license.NewKeyCodec(license.DefaultKeyAttempts), *count, *asJSON); err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
}

func generate(w io.Writer, codec *license.KeyCodec, count int, asJSON bool) error {
	if count <= 0 || count > 10000 {
		return fmt.Errorf("n must be between 1 and 10000, got %d", count)
	}

	enc := json.NewEncoder(w)
	for i := 0; i < count; i++ {
		key, err := codec.GenerateKey()
		if err != nil {
			return err
		}
		out := generatedKey{Key: key, Hash: license.HashKey(key)}

		if asJSON {
			if err := enc.Encode(out); err != nil {
				return err
			}
			continue
		}
		if _, err := fmt.Fprintf(w, "%s\t%s\n", out.Key, out.Hash); err != nil {
			return err
		}
	}
	return nil
}
