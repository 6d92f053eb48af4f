package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a random 256-bit key for BACKUP_ENCRYPTION_KEY or INTEGRITY_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		fmt.Println(hex.EncodeToString(key))
		return nil
	},
}
