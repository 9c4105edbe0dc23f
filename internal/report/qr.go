package report

import (
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
	qrcode "github.com/skip2/go-qrcode"
)

// ManifestDigestToQR encodes a manifest digest such as "sha256:ab12..." as a
// QR code PNG of size pixels.
func ManifestDigestToQR(d string, size int) ([]byte, error) {
	parsed, err := digest.Parse(strings.TrimSpace(d))
	if err != nil {
		return nil, fmt.Errorf("manifest digest: %w", err)
	}
	if size <= 0 {
		size = 128
	}
	return qrcode.Encode(parsed.String(), qrcode.Medium, size)
}
