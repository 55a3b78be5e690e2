// Package protocol defines the messages exchanged between the coordinator and
// its scrape agents over one persistent connection per agent. Messages are
// flat JSON objects discriminated by a "type" field; no correlation ids are
// carried because at most one job is outstanding per agent and cluster-wide.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates messages on the wire.
type Type string

// Supported message types.
const (
	TypeRegister        Type = "register"
	TypeRegistrationAck Type = "registration_ack"
	TypeStatusUpdate    Type = "status_update"
	TypeJob             Type = "job"
	TypeResult          Type = "result"
	TypeAccountBanned   Type = "account_banned"
	TypeInitializeLogin Type = "initialize_login"
	TypeLoginResult     Type = "login_result"
	TypeRestartBrowser  Type = "restart_browser"
	TypeRestartComplete Type = "browser_restart_complete"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
)

// Status is an agent's self-reported availability.
type Status string

// Agent statuses. logging_in keeps the coordinator's inactivity timer from
// tripping on a slow browser login.
const (
	StatusAvailable Status = "available"
	StatusBusy      Status = "busy"
	StatusLoggingIn Status = "logging_in"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusBusy, StatusLoggingIn:
		return true
	}
	return false
}

// Credential is the login an agent should use for an assigned account.
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Message is implemented by every protocol message.
type Message interface {
	Kind() Type
	Validate() error
}

// ErrUnknownType marks messages whose type field is not recognized; receivers
// log and ignore these rather than dropping the connection.
var ErrUnknownType = errors.New("unknown message type")

// Register is the first message an agent sends after connecting.
type Register struct {
	Type     Type   `json:"type"`
	WorkerID string `json:"worker_id"`
}

// NewRegister builds a register message.
func NewRegister(workerID string) Register {
	return Register{Type: TypeRegister, WorkerID: workerID}
}

func (m Register) Kind() Type { return TypeRegister }

// Validate checks required fields.
func (m Register) Validate() error {
	if err := checkType(m.Type, TypeRegister); err != nil {
		return err
	}
	if m.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// RegistrationAck confirms a registration.
type RegistrationAck struct {
	Type     Type   `json:"type"`
	WorkerID string `json:"worker_id"`
}

// NewRegistrationAck builds a registration_ack message.
func NewRegistrationAck(workerID string) RegistrationAck {
	return RegistrationAck{Type: TypeRegistrationAck, WorkerID: workerID}
}

func (m RegistrationAck) Kind() Type { return TypeRegistrationAck }

// Validate checks required fields.
func (m RegistrationAck) Validate() error {
	if err := checkType(m.Type, TypeRegistrationAck); err != nil {
		return err
	}
	if m.WorkerID == "" {
		return errors.New("worker_id is required")
	}
	return nil
}

// StatusUpdate reports an agent's availability.
type StatusUpdate struct {
	Type   Type   `json:"type"`
	Status Status `json:"status"`
}

// NewStatusUpdate builds a status_update message.
func NewStatusUpdate(status Status) StatusUpdate {
	return StatusUpdate{Type: TypeStatusUpdate, Status: status}
}

func (m StatusUpdate) Kind() Type { return TypeStatusUpdate }

// Validate checks required fields.
func (m StatusUpdate) Validate() error {
	if err := checkType(m.Type, TypeStatusUpdate); err != nil {
		return err
	}
	if !m.Status.Valid() {
		return fmt.Errorf("unknown status %q", m.Status)
	}
	return nil
}

// Job assigns one resource id to an agent. IsBanned warns that every account
// in the agent's partition is cooling down and the attached account is the
// one expiring soonest; the agent tries it anyway.
type Job struct {
	Type         Type       `json:"type"`
	ResourceID   int64      `json:"resource_id"`
	AccountIndex int        `json:"account_index"`
	Credential   Credential `json:"credential"`
	IsBanned     bool       `json:"is_banned,omitempty"`
}

// NewJob builds a job message.
func NewJob(resourceID int64, accountIndex int, cred Credential, isBanned bool) Job {
	return Job{
		Type:         TypeJob,
		ResourceID:   resourceID,
		AccountIndex: accountIndex,
		Credential:   cred,
		IsBanned:     isBanned,
	}
}

func (m Job) Kind() Type { return TypeJob }

// Validate checks required fields.
func (m Job) Validate() error {
	if err := checkType(m.Type, TypeJob); err != nil {
		return err
	}
	if m.ResourceID <= 0 {
		return errors.New("resource_id must be > 0")
	}
	if m.AccountIndex < 0 {
		return errors.New("account_index must be >= 0")
	}
	if m.Credential.Email == "" || m.Credential.Password == "" {
		return errors.New("credential is required")
	}
	return nil
}

// Result resolves a job. Success=false with no Error means the content was
// not yet available; the id is retried later.
type Result struct {
	Type       Type   `json:"type"`
	ResourceID int64  `json:"resource_id"`
	Title      string `json:"title,omitempty"`
	Body       string `json:"body,omitempty"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// NewResult builds a successful result message.
func NewResult(resourceID int64, title, body string) Result {
	return Result{Type: TypeResult, ResourceID: resourceID, Title: title, Body: body, Success: true}
}

// NewFailedResult builds a failed result message; reason may be empty for a
// plain no-content outcome.
func NewFailedResult(resourceID int64, reason string) Result {
	return Result{Type: TypeResult, ResourceID: resourceID, Error: reason}
}

func (m Result) Kind() Type { return TypeResult }

// Validate checks required fields.
func (m Result) Validate() error {
	if err := checkType(m.Type, TypeResult); err != nil {
		return err
	}
	if m.ResourceID <= 0 {
		return errors.New("resource_id must be > 0")
	}
	if m.Success && (m.Title == "" || m.Body == "") {
		return errors.New("successful result requires title and body")
	}
	return nil
}

// AccountBanned reports a deny signal for the account the agent was assigned.
// CooldownMinutes of zero means the deny page did not state a restore time
// and the coordinator applies its default.
type AccountBanned struct {
	Type            Type `json:"type"`
	AccountIndex    int  `json:"account_index"`
	CooldownMinutes int  `json:"cooldown_minutes,omitempty"`
}

// NewAccountBanned builds an account_banned message.
func NewAccountBanned(accountIndex, cooldownMinutes int) AccountBanned {
	return AccountBanned{Type: TypeAccountBanned, AccountIndex: accountIndex, CooldownMinutes: cooldownMinutes}
}

func (m AccountBanned) Kind() Type { return TypeAccountBanned }

// Validate checks required fields.
func (m AccountBanned) Validate() error {
	if err := checkType(m.Type, TypeAccountBanned); err != nil {
		return err
	}
	if m.AccountIndex < 0 {
		return errors.New("account_index must be >= 0")
	}
	if m.CooldownMinutes < 0 {
		return errors.New("cooldown_minutes must be >= 0")
	}
	return nil
}

// InitializeLogin asks an agent to establish a session before it receives
// jobs, so logins happen during the warmup window rather than on the first
// assignment.
type InitializeLogin struct {
	Type         Type       `json:"type"`
	AccountIndex int        `json:"account_index"`
	Credential   Credential `json:"credential"`
}

// NewInitializeLogin builds an initialize_login message.
func NewInitializeLogin(accountIndex int, cred Credential) InitializeLogin {
	return InitializeLogin{Type: TypeInitializeLogin, AccountIndex: accountIndex, Credential: cred}
}

func (m InitializeLogin) Kind() Type { return TypeInitializeLogin }

// Validate checks required fields.
func (m InitializeLogin) Validate() error {
	if err := checkType(m.Type, TypeInitializeLogin); err != nil {
		return err
	}
	if m.AccountIndex < 0 {
		return errors.New("account_index must be >= 0")
	}
	if m.Credential.Email == "" || m.Credential.Password == "" {
		return errors.New("credential is required")
	}
	return nil
}

// LoginResult acknowledges an initialize_login. Denied distinguishes an
// authoritative deny page (ban the account) from a plain authentication
// failure (leave it alone).
type LoginResult struct {
	Type            Type `json:"type"`
	AccountIndex    int  `json:"account_index"`
	Success         bool `json:"success"`
	Denied          bool `json:"denied,omitempty"`
	CooldownMinutes int  `json:"cooldown_minutes,omitempty"`
}

// NewLoginResult builds a login_result message.
func NewLoginResult(accountIndex int, success, denied bool, cooldownMinutes int) LoginResult {
	return LoginResult{
		Type:            TypeLoginResult,
		AccountIndex:    accountIndex,
		Success:         success,
		Denied:          denied,
		CooldownMinutes: cooldownMinutes,
	}
}

func (m LoginResult) Kind() Type { return TypeLoginResult }

// Validate checks required fields.
func (m LoginResult) Validate() error {
	if err := checkType(m.Type, TypeLoginResult); err != nil {
		return err
	}
	if m.AccountIndex < 0 {
		return errors.New("account_index must be >= 0")
	}
	if m.CooldownMinutes < 0 {
		return errors.New("cooldown_minutes must be >= 0")
	}
	return nil
}

// RestartBrowser asks an agent to tear down its browser, start a fresh one,
// and log in with the attached credential.
type RestartBrowser struct {
	Type         Type       `json:"type"`
	AccountIndex int        `json:"account_index"`
	Credential   Credential `json:"credential"`
}

// NewRestartBrowser builds a restart_browser message.
func NewRestartBrowser(accountIndex int, cred Credential) RestartBrowser {
	return RestartBrowser{Type: TypeRestartBrowser, AccountIndex: accountIndex, Credential: cred}
}

func (m RestartBrowser) Kind() Type { return TypeRestartBrowser }

// Validate checks required fields.
func (m RestartBrowser) Validate() error {
	if err := checkType(m.Type, TypeRestartBrowser); err != nil {
		return err
	}
	if m.AccountIndex < 0 {
		return errors.New("account_index must be >= 0")
	}
	if m.Credential.Email == "" || m.Credential.Password == "" {
		return errors.New("credential is required")
	}
	return nil
}

// RestartComplete acknowledges a restart_browser.
type RestartComplete struct {
	Type         Type `json:"type"`
	AccountIndex int  `json:"account_index"`
	Success      bool `json:"success"`
}

// NewRestartComplete builds a browser_restart_complete message.
func NewRestartComplete(accountIndex int, success bool) RestartComplete {
	return RestartComplete{Type: TypeRestartComplete, AccountIndex: accountIndex, Success: success}
}

func (m RestartComplete) Kind() Type { return TypeRestartComplete }

// Validate checks required fields.
func (m RestartComplete) Validate() error {
	if err := checkType(m.Type, TypeRestartComplete); err != nil {
		return err
	}
	if m.AccountIndex < 0 {
		return errors.New("account_index must be >= 0")
	}
	return nil
}

// Ping is the application-level keepalive; either side may send it so a slow
// synchronous operation on the peer is never mistaken for a dead link.
type Ping struct {
	Type Type `json:"type"`
}

// NewPing builds a ping message.
func NewPing() Ping { return Ping{Type: TypePing} }

func (m Ping) Kind() Type { return TypePing }

// Validate checks required fields.
func (m Ping) Validate() error { return checkType(m.Type, TypePing) }

// Pong answers a Ping.
type Pong struct {
	Type Type `json:"type"`
}

// NewPong builds a pong message.
func NewPong() Pong { return Pong{Type: TypePong} }

func (m Pong) Kind() Type { return TypePong }

// Validate checks required fields.
func (m Pong) Validate() error { return checkType(m.Type, TypePong) }

// Encode validates and marshals a message for the wire.
func Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// Decode parses and validates one wire message, returning the concrete type
// for the caller to switch on.
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch head.Type {
	case TypeRegister:
		msg, err = decode[Register](data)
	case TypeRegistrationAck:
		msg, err = decode[RegistrationAck](data)
	case TypeStatusUpdate:
		msg, err = decode[StatusUpdate](data)
	case TypeJob:
		msg, err = decode[Job](data)
	case TypeResult:
		msg, err = decode[Result](data)
	case TypeAccountBanned:
		msg, err = decode[AccountBanned](data)
	case TypeInitializeLogin:
		msg, err = decode[InitializeLogin](data)
	case TypeLoginResult:
		msg, err = decode[LoginResult](data)
	case TypeRestartBrowser:
		msg, err = decode[RestartBrowser](data)
	case TypeRestartComplete:
		msg, err = decode[RestartComplete](data)
	case TypePing:
		msg, err = decode[Ping](data)
	case TypePong:
		msg, err = decode[Pong](data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	if err := msg.Validate(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.Type, err)
	}
	return msg, nil
}

func decode[M Message](data []byte) (Message, error) {
	var m M
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func checkType(got, want Type) error {
	if got != want {
		return fmt.Errorf("type is %q, want %q", got, want)
	}
	return nil
}
