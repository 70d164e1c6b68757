// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"

	"github.com/civicbounty/service_layer/internal/lightning"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

type mockInvoice struct {
	amount   int64
	memo     string
	preimage string
	settled  bool
	paid     int64
	outgoing bool
}

// MockGateway is an in-memory Lightning node. Invoices carry real preimage/hash pairs.
type MockGateway struct {
	mu       sync.Mutex
	invoices map[string]*mockInvoice
	payments []lightning.PayRequest

	// Unavailable makes every call fail with lightning.ErrUnavailable.
	Unavailable bool
	// PayError, when set, is returned by the next PayInvoice call and cleared.
	PayError error
	// OutgoingMemo is the description CheckInvoice reports for outbound payments.
	OutgoingMemo string
}

var _ lightning.Gateway = (*MockGateway)(nil)

// NewMockGateway creates an empty mock node.
func NewMockGateway() *MockGateway {
	return &MockGateway{invoices: make(map[string]*mockInvoice)}
}

// CreateInvoice mints an unpaid invoice.
func (m *MockGateway) CreateInvoice(_ context.Context, amountSats int64, memo string) (*lightning.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return nil, lightning.ErrUnavailable
	}

	preimage := make([]byte, 32)
	if _, err := rand.Read(preimage); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(preimage)
	hash := hex.EncodeToString(sum[:])

	m.invoices[hash] = &mockInvoice{amount: amountSats, memo: memo, preimage: hex.EncodeToString(preimage)}
	return &lightning.Invoice{
		PaymentRequest: FakeInvoice(amountSats, hash),
		PaymentHash:    hash,
		AmountSats:     amountSats,
	}, nil
}

// CheckInvoice reports invoice state.
func (m *MockGateway) CheckInvoice(_ context.Context, paymentHash string) (*lightning.InvoiceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return nil, lightning.ErrUnavailable
	}

	inv, ok := m.invoices[paymentHash]
	if !ok {
		return nil, fmt.Errorf("invoice %s not found", paymentHash)
	}
	status := &lightning.InvoiceStatus{PaymentHash: paymentHash, Settled: inv.settled, Memo: inv.memo}
	if inv.outgoing {
		status.Settled = false
		status.Outgoing = true
		return status, nil
	}
	if inv.settled {
		status.AmountPaid = inv.paid
		status.Preimage = inv.preimage
	}
	return status, nil
}

// PayInvoice records an outbound payment.
func (m *MockGateway) PayInvoice(_ context.Context, req lightning.PayRequest) (*lightning.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Unavailable {
		return nil, lightning.ErrUnavailable
	}
	if m.PayError != nil {
		err := m.PayError
		m.PayError = nil
		return nil, err
	}

	if !lightning.IsLightningAddress(req.Destination) {
		decoded, err := lightning.DecodeInvoice(req.Destination)
		if err != nil {
			return nil, err
		}
		if decoded.HasAmount() && req.AmountSats > 0 && decoded.AmountSats() != req.AmountSats {
			return nil, lightning.ErrAmountMismatch
		}
	}

	m.payments = append(m.payments, req)
	preimage := make([]byte, 32)
	_, _ = rand.Read(preimage)
	sum := sha256.Sum256(preimage)
	hash := hex.EncodeToString(sum[:])
	m.invoices[hash] = &mockInvoice{
		amount:   req.AmountSats,
		memo:     m.OutgoingMemo,
		preimage: hex.EncodeToString(preimage),
		settled:  true,
		paid:     req.AmountSats,
		outgoing: true,
	}
	return &lightning.Payment{
		PaymentHash: hash,
		Preimage:    hex.EncodeToString(preimage),
		Invoice:     req.Destination,
		AmountSats:  req.AmountSats,
	}, nil
}

// Settle marks an invoice paid in full.
func (m *MockGateway) Settle(paymentHash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[paymentHash]; ok {
		inv.settled = true
		inv.paid = inv.amount
	}
}

// SettleWithAmount marks an invoice paid with an arbitrary amount.
func (m *MockGateway) SettleWithAmount(paymentHash string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[paymentHash]; ok {
		inv.settled = true
		inv.paid = amount
	}
}

// Preimage returns the secret for an invoice minted by this mock.
func (m *MockGateway) Preimage(paymentHash string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inv, ok := m.invoices[paymentHash]; ok {
		return inv.preimage
	}
	return ""
}

// Payments returns the outbound payments made so far.
func (m *MockGateway) Payments() []lightning.PayRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lightning.PayRequest, len(m.payments))
	copy(out, m.payments)
	return out
}

// FakeInvoice builds a syntactically valid mainnet invoice string for amountSats.
// The data part is derived from seed and is not a real signed invoice.
func FakeInvoice(amountSats int64, seed string) string {
	var b strings.Builder
	b.WriteString("lnbc")
	if amountSats > 0 {
		// 1 sat is 10 nano-bitcoin.
		fmt.Fprintf(&b, "%dn", amountSats*10)
	}
	b.WriteString("1pp5")
	sum := sha256.Sum256([]byte(seed))
	for i := 0; i < 60; i++ {
		b.WriteByte(bech32Charset[int(sum[i%len(sum)]+byte(i))%len(bech32Charset)])
	}
	return b.String()
}
