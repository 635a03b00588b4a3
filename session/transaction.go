package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// TransactionCookiePrefix prefixes the per-login transaction cookie.
const TransactionCookiePrefix = "__txn_"

// TransactionTTL bounds how long a login may take.
const TransactionTTL = 10 * time.Minute

// ErrTransactionMissing is returned when the callback's state has no
// matching, valid transaction cookie.
var ErrTransactionMissing = errors.New("login transaction not found or expired")

// Transaction carries the login state between /auth/login and the callback.
type Transaction struct {
	State        string    `json:"state"`
	Nonce        string    `json:"nonce"`
	CodeVerifier string    `json:"code_verifier"`
	ReturnTo     string    `json:"return_to"`
	CreatedAt    time.Time `json:"created_at"`
}

// Transactions stores login transactions in sealed, short-lived cookies.
type Transactions struct {
	codec *Codec
	opts  CookieOptions
	now   func() time.Time
}

// NewTransactions returns a transaction cookie store.
func NewTransactions(codec *Codec, opts CookieOptions) *Transactions {
	return &Transactions{codec: codec, opts: opts, now: time.Now}
}

func transactionCookie(state string) string {
	return TransactionCookiePrefix + state
}

// Save writes txn to its cookie.
func (t *Transactions) Save(w http.ResponseWriter, r *http.Request, txn *Transaction) error {
	txn.CreatedAt = t.now()
	data, err := json.Marshal(txn)
	if err != nil {
		return err
	}
	name := transactionCookie(txn.State)
	value, err := t.codec.Seal(data, []byte(name))
	if err != nil {
		return err
	}
	c := t.opts.cookie(r, name, value)
	c.MaxAge = int(TransactionTTL / time.Second)
	c.Expires = txn.CreatedAt.Add(TransactionTTL)
	http.SetCookie(w, c)
	return nil
}

// Take reads and clears the transaction for state.
func (t *Transactions) Take(w http.ResponseWriter, r *http.Request, state string) (*Transaction, error) {
	if state == "" {
		return nil, ErrTransactionMissing
	}
	name := transactionCookie(state)
	c, err := r.Cookie(name)
	if err != nil {
		return nil, ErrTransactionMissing
	}
	t.opts.clear(w, r, name)

	data, err := t.codec.Open(c.Value, []byte(name))
	if err != nil {
		return nil, ErrTransactionMissing
	}
	var txn Transaction
	if err := json.Unmarshal(data, &txn); err != nil {
		return nil, ErrTransactionMissing
	}
	if txn.State != state || !t.now().Before(txn.CreatedAt.Add(TransactionTTL)) {
		return nil, ErrTransactionMissing
	}
	return &txn, nil
}
