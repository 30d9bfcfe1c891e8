package secret

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Format describes how a secret is rendered for manual transcription:
// fixed-size groups drawn from an alphabet, joined by a separator.
type Format struct {
	Groups    int
	GroupLen  int
	Alphabet  string
	Separator string
}

// Withdrawal is the payout-PIN format: XXXX-XXXX-XXXX-XXXX, uppercase hex.
var Withdrawal = Format{Groups: 4, GroupLen: 4, Alphabet: "0123456789ABCDEF", Separator: "-"}

// AccountClosure is the shorter numeric format used for the
// irreversible account-closure code: NNN-NNN.
var AccountClosure = Format{Groups: 2, GroupLen: 3, Alphabet: "0123456789", Separator: "-"}

// Len returns the rendered length including separators.
func (f Format) Len() int {
	return f.Groups*f.GroupLen + (f.Groups-1)*len(f.Separator)
}

// Generator produces secrets in a given format.
type Generator interface {
	New(f Format) (string, error)
}

type cryptoGenerator struct{}

// NewGenerator returns a Generator backed by crypto/rand.
func NewGenerator() Generator { return cryptoGenerator{} }

func (cryptoGenerator) New(f Format) (string, error) {
	alphabet := []byte(f.Alphabet)
	max := big.NewInt(int64(len(alphabet)))

	groups := make([]string, 0, f.Groups)
	var sb strings.Builder
	for g := 0; g < f.Groups; g++ {
		sb.Reset()
		for i := 0; i < f.GroupLen; i++ {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", errors.Wrap(err, "read random")
			}
			sb.WriteByte(alphabet[n.Int64()])
		}
		groups = append(groups, sb.String())
	}

	return strings.Join(groups, f.Separator), nil
}
