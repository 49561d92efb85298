// Package actiontest provides an in-memory action.Service for tests.
package actiontest

import (
	"context"
	"fmt"
	"sync"

	"github.com/m3rciful/liteim/internal/action"
)

// Code is the security code the fake accepts unless Fail overrides Check2FA.
const Code = "123456"

// Fake records calls and answers from its fields. Set Fail[method] to force
// an error from that method.
type Fake struct {
	mu sync.Mutex

	Password   string
	Price      float64
	Owners     map[string]bool
	NeedsCode  map[string]bool
	Emails     map[string]bool
	Phones     map[string]string // phone to owner id
	Balances   map[string]action.Balance
	Recipients map[string]action.Owner
	History    map[string][]action.TransactionPage
	Fail       map[string]error

	Signups   []action.SignupRequest
	Sends     []action.SendRequest
	Issued    []string
	Requested int
	Checked   []string
	Synced    int
	Calls     []string
}

// New returns a fake whose password is "secret" and LTC price is 100 USD.
func New() *Fake {
	return &Fake{
		Password:   "secret",
		Price:      100,
		Owners:     map[string]bool{},
		NeedsCode:  map[string]bool{},
		Emails:     map[string]bool{},
		Phones:     map[string]string{},
		Balances:   map[string]action.Balance{},
		Recipients: map[string]action.Owner{},
		History:    map[string][]action.TransactionPage{},
		Fail:       map[string]error{},
	}
}

// Register marks owner as a registered user holding balance.
func (f *Fake) Register(owner action.Owner, email string, balance float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Owners[owner.ID] = true
	f.Emails[email] = true
	f.Balances[owner.ID] = action.Balance{Confirmed: balance}
}

// Called reports how many times method ran.
func (f *Fake) Called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) enter(method string) error {
	f.Calls = append(f.Calls, method)
	return f.Fail[method]
}

func (f *Fake) password(p string) error {
	if p != f.Password {
		return action.ErrInvalidPassword
	}
	return nil
}

func (f *Fake) Signup(_ context.Context, req action.SignupRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Signup"); err != nil {
		return "", err
	}
	if f.Owners[req.Owner.ID] {
		return "", action.ErrAlreadyRegistered
	}
	f.Signups = append(f.Signups, req)
	f.Owners[req.Owner.ID] = true
	f.Emails[req.Email] = true
	f.Phones[req.Phone] = req.Owner.ID
	return fmt.Sprintf("ltc1q%s", req.Phone), nil
}

func (f *Fake) Send(_ context.Context, req action.SendRequest) (action.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Send"); err != nil {
		return action.SendResult{}, err
	}
	if err := f.password(req.Password); err != nil {
		return action.SendResult{}, err
	}
	f.Sends = append(f.Sends, req)
	res := action.SendResult{TxID: fmt.Sprintf("tx%d", len(f.Sends))}
	if r, ok := f.Recipients[req.To]; ok {
		res.Recipient = &r
	}
	return res, nil
}

func (f *Fake) Balance(_ context.Context, owner action.Owner) (action.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Balance"); err != nil {
		return action.Balance{}, err
	}
	if !f.Owners[owner.ID] {
		return action.Balance{}, action.ErrNotRegistered
	}
	return f.Balances[owner.ID], nil
}

func (f *Fake) ChangePassword(_ context.Context, _ action.Owner, current, next string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChangePassword"); err != nil {
		return err
	}
	if err := f.password(current); err != nil {
		return err
	}
	f.Password = next
	return nil
}

func (f *Fake) ChangeEmail(_ context.Context, _ action.Owner, email, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("ChangeEmail"); err != nil {
		return err
	}
	if err := f.password(password); err != nil {
		return err
	}
	f.Emails[email] = true
	return nil
}

func (f *Fake) Export(_ context.Context, _ action.Owner, kind action.ExportKind, password string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Export"); err != nil {
		return "", err
	}
	if err := f.password(password); err != nil {
		return "", err
	}
	return "secret-" + string(kind), nil
}

func (f *Fake) Enable2FA(_ context.Context, owner action.Owner, phone, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Enable2FA"); err != nil {
		return err
	}
	if err := f.password(password); err != nil {
		return err
	}
	f.Phones[phone] = owner.ID
	delete(f.NeedsCode, owner.ID)
	return nil
}

func (f *Fake) Issue2FA(_ context.Context, _ action.Owner, phone string, _ action.Purpose) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Issue2FA"); err != nil {
		return err
	}
	f.Issued = append(f.Issued, phone)
	return nil
}

func (f *Fake) Request2FA(context.Context, action.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Request2FA"); err != nil {
		return err
	}
	f.Requested++
	return nil
}

func (f *Fake) Check2FA(_ context.Context, _ action.Owner, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Check2FA"); err != nil {
		return err
	}
	f.Checked = append(f.Checked, code)
	if code != Code {
		return action.ErrCodeInvalid
	}
	return nil
}

func (f *Fake) Receive(_ context.Context, owner action.Owner) (action.Receive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Receive"); err != nil {
		return action.Receive{}, err
	}
	if !f.Owners[owner.ID] {
		return action.Receive{}, action.ErrNotRegistered
	}
	return action.Receive{Address: "ltc1qfake", Email: owner.ID + "@example.com"}, nil
}

// Transactions serves History[owner] pages; the cursor is the page index.
func (f *Fake) Transactions(_ context.Context, owner action.Owner, cursor string) (action.TransactionPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Transactions"); err != nil {
		return action.TransactionPage{}, err
	}
	pages := f.History[owner.ID]
	idx := 0
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &idx); err != nil {
			return action.TransactionPage{}, err
		}
	}
	if idx >= len(pages) {
		return action.TransactionPage{}, nil
	}
	return pages[idx], nil
}

func (f *Fake) Sync(context.Context, action.Owner) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Synced++
	return f.enter("Sync")
}

func (f *Fake) Registered(_ context.Context, owner action.Owner) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Registered"); err != nil {
		return false, err
	}
	return f.Owners[owner.ID], nil
}

func (f *Fake) Needs2FA(_ context.Context, owner action.Owner) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Needs2FA"); err != nil {
		return false, err
	}
	return f.NeedsCode[owner.ID], nil
}

func (f *Fake) EmailRegistered(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("EmailRegistered"); err != nil {
		return false, err
	}
	return f.Emails[email], nil
}

func (f *Fake) PhoneRegistered(_ context.Context, owner action.Owner, phone string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("PhoneRegistered"); err != nil {
		return false, err
	}
	holder, ok := f.Phones[phone]
	return ok && holder != owner.ID, nil
}

func (f *Fake) RecipientHasWallet(_ context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RecipientHasWallet"); err != nil {
		return false, err
	}
	return f.Emails[email], nil
}

func (f *Fake) Rate(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("Rate"); err != nil {
		return 0, err
	}
	return f.Price, nil
}

var _ action.Service = (*Fake)(nil)
