package hb

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// EncryptedSuffix marks archives stored encrypted in the vault.
const EncryptedSuffix = ".age"

// ListArchives returns the archives stored in the vault.
func (s *BackupService) ListArchives(ctx context.Context) ([]ArchiveInfo, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}
	archives, err := s.vault.ListArchives(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing archives: %w", err)
	}
	return archives, nil
}

// RetrieveArchive copies a stored archive to w. Encrypted archives are
// decrypted; passphrase is only called for those.
func (s *BackupService) RetrieveArchive(ctx context.Context, name string, w io.Writer, passphrase func() (string, error)) error {
	if s.vault == nil {
		return fmt.Errorf("no vault configured")
	}

	if !strings.HasSuffix(name, EncryptedSuffix) {
		if err := s.vault.GetArchive(ctx, name, w); err != nil {
			return fmt.Errorf("retrieving archive %s: %w", name, err)
		}
		s.logger.Info("archive retrieved", "name", name)
		return nil
	}

	if s.encryptor == nil {
		return fmt.Errorf("archive %s is encrypted but no encryptor is configured", name)
	}
	pass, err := passphrase()
	if err != nil {
		return fmt.Errorf("reading passphrase: %w", err)
	}
	dc, err := s.encryptor.Unlock(pass)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.vault.GetArchive(ctx, name, pw))
	}()
	if err := dc.Decrypt(pr, w); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("decrypting archive %s: %w", name, err)
	}
	pr.Close()
	s.logger.Info("archive retrieved", "name", name, "decrypted", true)
	return nil
}
