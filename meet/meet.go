package meet

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/oklog/ulid/v2"
)

// assigned before the server hands out a color on join
const DefaultSelfColor = "#808080"

// used for peers whose assigned color has not arrived yet
const FallbackPeerColor = "#4363D8"

var ErrInvalidShareCode = errors.New("invalid share code, expected format ABC-123")

var ErrNotConnected = errors.New("not connected to the server")

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// a share code has the literal shape AAA-999: 3 letters, hyphen, 3 digits
type ShareCode string

var shareCodePattern = regexp.MustCompile(`^[A-Z]{3}-[0-9]{3}$`)

// ParseShareCode normalizes user input (trim, uppercase) and validates the
// AAA-999 shape. The server validates again; this rejects obvious garbage
// before it goes on the wire.
func ParseShareCode(codeStr string) (ShareCode, error) {
	code := strings.ToUpper(strings.TrimSpace(codeStr))
	if !shareCodePattern.MatchString(code) {
		return "", ErrInvalidShareCode
	}
	return ShareCode(code), nil
}

func (self ShareCode) String() string {
	return string(self)
}

// DefaultUsername mirrors the server convention for a peer with no
// assigned name.
func DefaultUsername(sid string) string {
	if len(sid) < 4 {
		return fmt.Sprintf("User-%s", sid)
	}
	return fmt.Sprintf("User-%s", sid[:4])
}
