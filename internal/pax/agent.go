package pax

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mercury-pos/mercury/internal/audit"
	"github.com/mercury-pos/mercury/internal/idgen"
	"github.com/mercury-pos/mercury/internal/syncutil"
)

// Per-command timeouts.
const (
	DefaultTransactionTimeout = 30 * time.Second
	StatusTimeout             = 5 * time.Second
	CancelTimeout             = 3 * time.Second
)

// Sentinel errors.
var (
	ErrTerminalNotRegistered = errors.New("pax: terminal not registered")
	ErrTerminalDisabled      = errors.New("pax: terminal disabled")
	ErrInvalidResponse       = errors.New("pax: invalid response frame")
)

// TransactionType names a terminal operation.
type TransactionType string

const (
	TxnSale    TransactionType = "sale"
	TxnRefund  TransactionType = "refund"
	TxnVoid    TransactionType = "void"
	TxnAuth    TransactionType = "auth"
	TxnCapture TransactionType = "capture"
)

// commandFor maps a transaction type to its wire command code.
func commandFor(t TransactionType) (string, error) {
	switch t {
	case TxnSale:
		return CmdSale, nil
	case TxnRefund:
		return CmdRefund, nil
	case TxnVoid:
		return CmdVoid, nil
	case TxnAuth:
		return CmdAuth, nil
	case TxnCapture:
		return CmdCapture, nil
	default:
		return "", fmt.Errorf("pax: unsupported transaction type: %s", t)
	}
}

// TerminalConfig is the registration record for one physical terminal.
type TerminalConfig struct {
	TerminalID string `json:"terminalId"`
	IPAddress  string `json:"ipAddress"`
	Port       int    `json:"port"`
	LocationID string `json:"locationId"`
	Enabled    bool   `json:"enabled"`
}

func (c TerminalConfig) addr() string {
	return net.JoinHostPort(c.IPAddress, strconv.Itoa(c.Port))
}

// validate returns a descriptive error naming the first violated constraint.
func (c TerminalConfig) validate() error {
	if c.TerminalID == "" {
		return errors.New("pax: terminalId is required")
	}
	ip := net.ParseIP(c.IPAddress)
	if ip == nil || ip.To4() == nil || strings.Count(c.IPAddress, ".") != 3 {
		return fmt.Errorf("pax: ipAddress must be a dotted-quad IPv4 address, got %q", c.IPAddress)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("pax: port must be in [1,65535], got %d", c.Port)
	}
	if c.LocationID == "" {
		return errors.New("pax: locationId is required")
	}
	return nil
}

// TransactionRequest describes one payment operation to run on a terminal.
type TransactionRequest struct {
	Type          TransactionType `json:"type"`
	AmountCents   int64           `json:"amountCents"`
	Reference     string          `json:"reference,omitempty"` // generated when empty
	InvoiceNumber string          `json:"invoiceNumber,omitempty"`
	Timeout       time.Duration   `json:"-"` // defaults to DefaultTransactionTimeout
}

// TransactionResult is a parsed terminal reply. A declined transaction is
// Success=false with the terminal's message, not an error.
type TransactionResult struct {
	Success     bool      `json:"success"`
	Code        string    `json:"code"`
	Message     string    `json:"message"`
	Reference   string    `json:"reference"`
	AuthCode    string    `json:"authCode,omitempty"`
	CardType    string    `json:"cardType,omitempty"`
	Last4       string    `json:"last4,omitempty"`
	AmountCents int64     `json:"amountCents"`
	TerminalID  string    `json:"terminalId"`
	Timestamp   time.Time `json:"timestamp"`
}

// TerminalStatus is the reply to a status inquiry. A transport failure or
// missing A01 reply yields Online=false with the error recorded, never an error.
type TerminalStatus struct {
	TerminalID      string    `json:"terminalId"`
	Online          bool      `json:"online"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty"`
	BatteryPercent  int       `json:"batteryPercent,omitempty"`
	PaperStatus     string    `json:"paperStatus,omitempty"` // "ok", "low", "out"
	Errors          []string  `json:"errors,omitempty"`
}

// Agent owns the transport sessions to registered physical terminals and
// translates structured requests into wire frames and back. Registration
// state is mutex-guarded; each command opens its own connection.
type Agent struct {
	mu        sync.RWMutex
	terminals map[string]TerminalConfig

	// locks serializes transactions per terminal: a device runs one
	// transaction at a time, and waiters can bail out on cancellation.
	locks *syncutil.ContextShardedMutex

	transport Transport
	auditLog  audit.Store
	logger    *slog.Logger
	now       func() time.Time
}

// NewAgent creates a terminal agent. Every transaction attempt, success or
// failure, is appended to the audit log.
func NewAgent(transport Transport, auditLog audit.Store, logger *slog.Logger) *Agent {
	return &Agent{
		terminals: make(map[string]TerminalConfig),
		locks:     syncutil.NewContextShardedMutex(),
		transport: transport,
		auditLog:  auditLog,
		logger:    logger,
		now:       time.Now,
	}
}

// RegisterTerminal validates and stores a terminal config, then performs a
// status probe. A failed probe logs a warning but does not block registration.
func (a *Agent) RegisterTerminal(ctx context.Context, cfg TerminalConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	a.mu.Lock()
	a.terminals[cfg.TerminalID] = cfg
	a.mu.Unlock()

	a.logger.Info("terminal registered",
		"terminalId", cfg.TerminalID,
		"addr", cfg.addr(),
		"locationId", cfg.LocationID,
	)

	if status := a.GetTerminalStatus(ctx, cfg.TerminalID); !status.Online {
		a.logger.Warn("terminal registered but not responding",
			"terminalId", cfg.TerminalID,
			"errors", strings.Join(status.Errors, "; "),
		)
	}
	return nil
}

// UnregisterTerminal removes a terminal from the agent.
func (a *Agent) UnregisterTerminal(terminalID string) {
	a.mu.Lock()
	delete(a.terminals, terminalID)
	a.mu.Unlock()
	a.logger.Info("terminal unregistered", "terminalId", terminalID)
}

// SetEnabled toggles whether a terminal accepts transactions.
func (a *Agent) SetEnabled(terminalID string, enabled bool) {
	a.mu.Lock()
	if cfg, ok := a.terminals[terminalID]; ok {
		cfg.Enabled = enabled
		a.terminals[terminalID] = cfg
	}
	a.mu.Unlock()
}

// Registered reports whether a terminal is known to the agent.
func (a *Agent) Registered(terminalID string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.terminals[terminalID]
	return ok
}

func (a *Agent) config(terminalID string) (TerminalConfig, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cfg, ok := a.terminals[terminalID]
	if !ok {
		return TerminalConfig{}, fmt.Errorf("%w: %s", ErrTerminalNotRegistered, terminalID)
	}
	return cfg, nil
}

// NewReference generates a terminal reference number: yyyyMMddHHmmss plus
// four random digits.
func (a *Agent) NewReference() string {
	return a.now().Format("20060102150405") + idgen.Digits(4)
}

// ProcessTransaction runs one transaction on a terminal. Transport failures
// propagate as errors; a decline is a Success=false result. Every attempt
// is appended to the audit trail with the raw response omitted.
func (a *Agent) ProcessTransaction(ctx context.Context, terminalID string, req TransactionRequest) (*TransactionResult, error) {
	cfg, err := a.config(terminalID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTerminalDisabled, terminalID)
	}

	cmd, err := commandFor(req.Type)
	if err != nil {
		return nil, err
	}

	unlock, err := a.locks.LockContext(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.Reference == "" {
		req.Reference = a.NewReference()
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTransactionTimeout
	}

	// Field order follows the device protocol: amount, cashback (unsupported),
	// reference, invoice, auth code, ECR reference, custom.
	frame := Encode(cmd,
		AmountField(req.AmountCents),
		"0",
		req.Reference,
		req.InvoiceNumber,
		"", "", "",
	)

	start := a.now()
	reply, err := a.transport.Send(ctx, cfg.addr(), frame, timeout)
	elapsed := time.Since(start)
	if err != nil {
		a.logger.Error("terminal transaction transport failure",
			"terminalId", terminalID,
			"command", cmd,
			"elapsedMs", elapsed.Milliseconds(),
			"error", err,
		)
		a.appendAudit(ctx, cfg, req, &TransactionResult{
			Success:     false,
			Code:        "ERROR",
			Message:     err.Error(),
			Reference:   req.Reference,
			AmountCents: req.AmountCents,
			TerminalID:  terminalID,
			Timestamp:   a.now(),
		}, cmd, elapsed)
		return nil, err
	}

	result, err := a.parseTransactionReply(reply, req, terminalID)
	if err != nil {
		a.appendAudit(ctx, cfg, req, &TransactionResult{
			Success:     false,
			Code:        "ERROR",
			Message:     err.Error(),
			Reference:   req.Reference,
			AmountCents: req.AmountCents,
			TerminalID:  terminalID,
			Timestamp:   a.now(),
		}, cmd, elapsed)
		return nil, err
	}

	a.appendAudit(ctx, cfg, req, result, cmd, elapsed)

	a.logger.Info("terminal transaction completed",
		"terminalId", terminalID,
		"command", cmd,
		"reference", result.Reference,
		"approved", result.Success,
		"code", result.Code,
		"elapsedMs", elapsed.Milliseconds(),
	)
	return result, nil
}

// parseTransactionReply decodes a transaction response frame.
// Fields: [0]=code, [1]=message, [2]=auth code, [3]=reference,
// [4]=card type, [5]=last4.
func (a *Agent) parseTransactionReply(reply []byte, req TransactionRequest, terminalID string) (*TransactionResult, error) {
	_, fields, ok := Decode(reply)
	if !ok {
		return nil, ErrInvalidResponse
	}

	code := field(fields, 0)
	if code == "" {
		code = "ERROR"
	}
	message := field(fields, 1)
	if message == "" {
		message = "Unknown response"
	}
	reference := field(fields, 3)
	if reference == "" {
		reference = req.Reference
	}

	return &TransactionResult{
		Success:     code == "000000" || code == "00",
		Code:        code,
		Message:     message,
		AuthCode:    field(fields, 2),
		Reference:   reference,
		CardType:    cardTypeName(field(fields, 4)),
		Last4:       field(fields, 5),
		AmountCents: req.AmountCents,
		TerminalID:  terminalID,
		Timestamp:   a.now(),
	}, nil
}

// GetTerminalStatus sends a status inquiry with a short timeout. Any failure
// yields Online=false with errors recorded rather than an error return.
func (a *Agent) GetTerminalStatus(ctx context.Context, terminalID string) *TerminalStatus {
	status := &TerminalStatus{TerminalID: terminalID, LastHeartbeat: a.now()}

	cfg, err := a.config(terminalID)
	if err != nil {
		status.Errors = append(status.Errors, err.Error())
		return status
	}

	reply, err := a.transport.Send(ctx, cfg.addr(), Encode(CmdStatus, "STATUS"), StatusTimeout)
	if err != nil {
		a.logger.Warn("terminal status probe failed", "terminalId", terminalID, "error", err)
		status.Errors = append(status.Errors, err.Error())
		return status
	}

	cmd, fields, ok := Decode(reply)
	if !ok || cmd != CmdStatusResponse {
		status.Errors = append(status.Errors, ErrInvalidResponse.Error())
		return status
	}

	status.Online = true
	status.FirmwareVersion = field(fields, 0)
	if v, err := strconv.Atoi(field(fields, 1)); err == nil {
		status.BatteryPercent = v
	}
	status.PaperStatus = paperStatusName(field(fields, 2))
	return status
}

// CancelTransaction asks the terminal to abort its current transaction.
// Transport errors propagate.
func (a *Agent) CancelTransaction(ctx context.Context, terminalID string) error {
	cfg, err := a.config(terminalID)
	if err != nil {
		return err
	}

	a.logger.Info("cancelling transaction", "terminalId", terminalID)
	if _, err := a.transport.Send(ctx, cfg.addr(), Encode(CmdCancel, "CANCEL"), CancelTimeout); err != nil {
		return err
	}
	return nil
}

// appendAudit records one transaction attempt. Best effort: an audit write
// failure is logged, not propagated.
func (a *Agent) appendAudit(ctx context.Context, cfg TerminalConfig, req TransactionRequest, result *TransactionResult, cmd string, elapsed time.Duration) {
	payload, _ := json.Marshal(map[string]any{
		"terminalId":  cfg.TerminalID,
		"command":     cmd,
		"type":        req.Type,
		"success":     result.Success,
		"code":        result.Code,
		"message":     result.Message,
		"amountCents": req.AmountCents,
		"cardType":    result.CardType,
		"elapsedMs":   elapsed.Milliseconds(),
	})

	entry := &audit.Entry{
		ID:          idgen.WithPrefix("ae_"),
		EventType:   audit.EventPAXTransaction,
		AggregateID: result.Reference,
		LocationID:  cfg.LocationID,
		AmountCents: req.AmountCents,
		Payload:     payload,
		CreatedAt:   a.now(),
	}
	if err := a.auditLog.Append(ctx, entry); err != nil {
		a.logger.Error("failed to append transaction audit entry",
			"terminalId", cfg.TerminalID,
			"reference", result.Reference,
			"error", err,
		)
	}
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

// cardTypeName maps the device's card-type code to a display name.
func cardTypeName(code string) string {
	switch code {
	case "":
		return ""
	case "01":
		return "Visa"
	case "02":
		return "Mastercard"
	case "03":
		return "American Express"
	case "04":
		return "Discover"
	case "05":
		return "Diners Club"
	case "06":
		return "JCB"
	default:
		return "Unknown"
	}
}

// paperStatusName maps the device's paper code: 0=ok, 1=low, 2=out.
func paperStatusName(code string) string {
	switch code {
	case "1":
		return "low"
	case "2":
		return "out"
	default:
		return "ok"
	}
}
