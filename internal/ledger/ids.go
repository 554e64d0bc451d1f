package ledger

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const transactionCodePrefix = "WTX"

// TransactionCode derives the human-legible code of a transaction from its
// id. Ids are unique, so codes are too; the date part is informational.
func TransactionCode(id int64, at time.Time) string {
	seq := strings.ToUpper(strconv.FormatInt(id, 36))
	if len(seq) < 7 {
		seq = strings.Repeat("0", 7-len(seq)) + seq
	}
	return fmt.Sprintf("%s-%s-%s", transactionCodePrefix, at.UTC().Format("060102"), seq)
}

// creditIDs generates monotonic ULIDs for virtual credits.
type creditIDs struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newCreditIDs() *creditIDs {
	return &creditIDs{entropy: ulid.Monotonic(rand.Reader, 0)}
}

func (g *creditIDs) next(at time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return "VC" + ulid.MustNew(ulid.Timestamp(at), g.entropy).String()
}
