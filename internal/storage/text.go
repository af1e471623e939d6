package storage

import "golang.org/x/text/unicode/norm"

// Visible text columns are stored in NFC, so two strings that render the
// same are the same bytes and a content hash over a stored row changes
// exactly when a stored field does.
func nfc(s string) string { return norm.NFC.String(s) }

func nfcPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := nfc(*s)
	return &v
}
