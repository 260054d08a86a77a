package signaling

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Account holds the credentials and registrar address for one signaling line.
type Account struct {
	Host         string
	Port         int
	Transport    string
	Username     string
	AuthUsername string
	Password     string
	Expiry       int
}

// SIPRegistration is a Registration backed by SIP REGISTER with digest auth.
// Each instance owns its own client; the controller discards the whole object
// when rebuilding.
type SIPRegistration struct {
	ua      *sipgo.UserAgent
	client  *sipgo.Client
	account Account
	logger  *slog.Logger
	onState func(RegState)

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRegistrationFactory returns a factory producing SIP registrations for
// one account over a shared user agent.
func NewRegistrationFactory(ua *sipgo.UserAgent, account Account, logger *slog.Logger) RegistrationFactory {
	return func(onState func(RegState)) (Registration, error) {
		return NewSIPRegistration(ua, account, logger, onState)
	}
}

// NewSIPRegistration creates a registration for the given account.
func NewSIPRegistration(ua *sipgo.UserAgent, account Account, logger *slog.Logger, onState func(RegState)) (*SIPRegistration, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("account", account.Username)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	return &SIPRegistration{
		ua:      ua,
		client:  client,
		account: account,
		logger:  logger.With("subsystem", "sip-register", "account", account.Username),
		onState: onState,
	}, nil
}

// Register performs the REGISTER exchange and starts a refresh loop at 80% of
// the server-granted expiry. A refresh failure reports unregistered and stops
// the loop; the controller decides whether and when to reconnect.
func (r *SIPRegistration) Register(ctx context.Context) error {
	r.stopRefresh()
	r.onState(RegRegistering)

	expiry := r.account.Expiry
	if expiry <= 0 {
		expiry = 300
	}

	granted, err := r.sendRegister(ctx, expiry)
	if err != nil {
		r.onState(RegUnregistered)
		return err
	}

	r.onState(RegRegistered)
	r.logger.Info("registered", "expires_in", granted)

	loopCtx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	go r.refreshLoop(loopCtx, expiry, granted)

	return nil
}

// Unregister sends a zero-expiry REGISTER and stops refreshing.
func (r *SIPRegistration) Unregister(ctx context.Context) error {
	r.stopRefresh()
	if _, err := r.sendRegister(ctx, 0); err != nil {
		return fmt.Errorf("un-registering: %w", err)
	}
	r.onState(RegUnregistered)
	return nil
}

// Close stops refreshing and releases the client transport.
func (r *SIPRegistration) Close() {
	r.stopRefresh()
	r.client.Close()
}

func (r *SIPRegistration) stopRefresh() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
}

// refreshLoop re-registers before expiry. Refresh at 80% of the granted
// expiry to absorb network delays.
func (r *SIPRegistration) refreshLoop(ctx context.Context, requested, granted int) {
	for {
		interval := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		next, err := r.sendRegister(regCtx, requested)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("registration refresh failed", "error", err)
			r.onState(RegUnregistered)
			return
		}
		granted = next
		r.logger.Debug("registration refreshed", "expires_in", granted)
	}
}

// sendRegister sends one REGISTER exchange, answering a digest challenge if
// the registrar issues one. Returns the server-granted expiry.
func (r *SIPRegistration) sendRegister(ctx context.Context, expiry int) (int, error) {
	acct := r.account

	recipientStr := fmt.Sprintf("sip:%s:%d", acct.Host, acct.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(acct.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", acct.Username, acct.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", acct.Username, r.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := awaitResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challengeHdr := res.GetHeader(authHeader)
		if challengeHdr == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}

		chal, err := digest.ParseChallenge(challengeHdr.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		authUser := acct.Username
		if acct.AuthUsername != "" {
			authUser = acct.AuthUsername
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   req.Method.String(),
			URI:      recipientStr,
			Username: authUser,
			Password: acct.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		authReq := req.Clone()
		authReq.RemoveHeader("Via")
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		tx2, err := r.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = awaitResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}
	return granted, nil
}

// awaitResponse waits for the first response from a SIP client transaction.
func awaitResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header
// value such as <sip:user@host>;expires=3600. Returns 0 if absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}
