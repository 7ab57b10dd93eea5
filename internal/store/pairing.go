package store

import (
	"crypto/rand"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// DMPolicy controls whether a direct-message channel admits unknown senders.
type DMPolicy string

const (
	PolicyOpen            DMPolicy = "open"
	PolicyPairingRequired DMPolicy = "pairing_required"
)

// Pairing request states. Pending is the only non-terminal state.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestExpired  = "expired"
)

// AccessStatus is the outcome of a CheckAccess call.
type AccessStatus string

const (
	AccessAllowed AccessStatus = "allowed"
	AccessPending AccessStatus = "pending"
)

// PairingRequest is one pending (or resolved) DM access request.
type PairingRequest struct {
	ID         string     `yaml:"id"`
	Channel    string     `yaml:"channel"`
	UserID     string     `yaml:"user_id"`
	Platform   string     `yaml:"platform"`
	Code       string     `yaml:"code"`
	Status     string     `yaml:"status"`
	CreatedAt  time.Time  `yaml:"created_at"`
	ExpiresAt  time.Time  `yaml:"expires_at"`
	ResolvedAt *time.Time `yaml:"resolved_at,omitempty"`
	Reason     string     `yaml:"reason,omitempty"`
}

// AccessResult is CheckAccess's answer; Request is set for pending outcomes.
type AccessResult struct {
	Status  AccessStatus
	Request *PairingRequest
}

const (
	policiesFile = "channel-policies.yaml"
	requestsFile = "pending-requests.yaml"

	pairingCodeLen     = 6
	pairingCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// PairingStore gatekeeps inbound direct messages: per-channel policies and
// the pairing-code approval workflow. All state lives in YAML files under
// the locked base directory.
type PairingStore struct {
	dir    string
	locks  *PathLocks
	events *bus.Emitter
	ttl    time.Duration
}

// NewPairingStore opens (creating if needed) a pairing store rooted at dir.
// ttl bounds how long a pending request stays redeemable.
func NewPairingStore(dir string, locks *PathLocks, ttl time.Duration) (*PairingStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, IOErr("open_pairing_store", dir, err)
	}
	if locks == nil {
		locks = NewPathLocks()
	}
	if ttl <= 0 {
		ttl = 60 * time.Minute
	}
	return &PairingStore{dir: dir, locks: locks, events: bus.NewEmitter(), ttl: ttl}, nil
}

// Events exposes the store's emitter (request:{created,approved,rejected,expired}).
func (p *PairingStore) Events() *bus.Emitter { return p.events }

func (p *PairingStore) policiesPath() string { return filepath.Join(p.dir, policiesFile) }
func (p *PairingStore) requestsPath() string { return filepath.Join(p.dir, requestsFile) }

// SetPolicy sets the policy for a channel pattern. The pattern is either an
// exact channel name or a wildcard like "discord:dm:*".
func (p *PairingStore) SetPolicy(pattern string, policy DMPolicy) error {
	if policy != PolicyOpen && policy != PolicyPairingRequired {
		return ValidationErr("set_policy", "policy", "open|pairing_required", string(policy))
	}
	return p.locks.WithLock(p.policiesPath(), func() error {
		policies, err := p.readPolicies()
		if err != nil {
			return err
		}
		policies[pattern] = policy
		return p.writePolicies(policies)
	})
}

// PolicyFor resolves the effective policy for a channel on a platform.
// Exact channel match wins over the "<platform>:dm:*" wildcard; channels
// with no configured policy are open.
func (p *PairingStore) PolicyFor(channel, platform string) (DMPolicy, error) {
	var policy DMPolicy = PolicyOpen
	err := p.locks.WithLock(p.policiesPath(), func() error {
		policies, err := p.readPolicies()
		if err != nil {
			return err
		}
		if exact, ok := policies[channel]; ok {
			policy = exact
			return nil
		}
		if wild, ok := policies[platform+":dm:*"]; ok {
			policy = wild
		}
		return nil
	})
	return policy, err
}

// CheckAccess is the DM gate. Open channels admit everyone. Under
// pairing_required an approved record admits the user; otherwise the
// existing unexpired pending request is returned (idempotence) or a fresh
// one is created with a new pairing code, emitting request:created.
func (p *PairingStore) CheckAccess(channel, userID, platform string) (*AccessResult, error) {
	policy, err := p.PolicyFor(channel, platform)
	if err != nil {
		return nil, err
	}
	if policy == PolicyOpen {
		return &AccessResult{Status: AccessAllowed}, nil
	}

	var result *AccessResult
	var created *PairingRequest
	err = p.locks.WithLock(p.requestsPath(), func() error {
		requests, err := p.readRequests()
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		for i := range requests {
			r := &requests[i]
			if r.Channel != channel || r.UserID != userID {
				continue
			}
			switch r.Status {
			case RequestApproved:
				result = &AccessResult{Status: AccessAllowed}
				return nil
			case RequestPending:
				if now.Before(r.ExpiresAt) {
					req := *r
					result = &AccessResult{Status: AccessPending, Request: &req}
					return nil
				}
			}
		}

		code, err := newPairingCode()
		if err != nil {
			return err
		}
		req := PairingRequest{
			ID:        uuid.NewString(),
			Channel:   channel,
			UserID:    userID,
			Platform:  platform,
			Code:      code,
			Status:    RequestPending,
			CreatedAt: now,
			ExpiresAt: now.Add(p.ttl),
		}
		requests = append(requests, req)
		if err := p.writeRequests(requests); err != nil {
			return err
		}
		created = &req
		result = &AccessResult{Status: AccessPending, Request: &req}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if created != nil {
		p.events.Emit(bus.EventRequestCreated, created)
	}
	return result, nil
}

// ApproveRequest resolves a pending request to approved. Resolving an
// already-resolved request fails loudly (terminal-state invariant).
func (p *PairingStore) ApproveRequest(id string) (*PairingRequest, error) {
	return p.resolve(id, RequestApproved, "", bus.EventRequestApproved)
}

// RejectRequest resolves a pending request to rejected with an optional
// reason. Resolving an already-resolved request fails loudly.
func (p *PairingStore) RejectRequest(id, reason string) (*PairingRequest, error) {
	return p.resolve(id, RequestRejected, reason, bus.EventRequestRejected)
}

func (p *PairingStore) resolve(id, status, reason, event string) (*PairingRequest, error) {
	var resolved *PairingRequest
	err := p.locks.WithLock(p.requestsPath(), func() error {
		requests, err := p.readRequests()
		if err != nil {
			return err
		}
		for i := range requests {
			r := &requests[i]
			if r.ID != id && r.Code != id {
				continue
			}
			if r.Status != RequestPending {
				return ConflictErr("resolve_request", id)
			}
			now := time.Now().UTC()
			r.Status = status
			r.ResolvedAt = &now
			r.Reason = reason
			req := *r
			resolved = &req
			return p.writeRequests(requests)
		}
		return NotFoundErr("resolve_request", id)
	})
	if err != nil {
		return nil, err
	}
	p.events.Emit(event, resolved)
	return resolved, nil
}

// ListRequests returns all requests, optionally filtered by status.
func (p *PairingStore) ListRequests(status string) ([]PairingRequest, error) {
	var out []PairingRequest
	err := p.locks.WithLock(p.requestsPath(), func() error {
		requests, err := p.readRequests()
		if err != nil {
			return err
		}
		for _, r := range requests {
			if status == "" || r.Status == status {
				out = append(out, r)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CleanupExpired sweeps pending requests past their TTL to expired,
// emitting request:expired for each. Returns the number swept.
func (p *PairingStore) CleanupExpired() (int, error) {
	var expired []PairingRequest
	err := p.locks.WithLock(p.requestsPath(), func() error {
		requests, err := p.readRequests()
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		changed := false
		for i := range requests {
			r := &requests[i]
			if r.Status == RequestPending && now.After(r.ExpiresAt) {
				r.Status = RequestExpired
				changed = true
				expired = append(expired, *r)
			}
		}
		if !changed {
			return nil
		}
		return p.writeRequests(requests)
	})
	if err != nil {
		return 0, err
	}
	for i := range expired {
		p.events.Emit(bus.EventRequestExpired, &expired[i])
	}
	return len(expired), nil
}

func (p *PairingStore) readPolicies() (map[string]DMPolicy, error) {
	data, err := os.ReadFile(p.policiesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]DMPolicy{}, nil
		}
		return nil, IOErr("read_policies", p.policiesPath(), err)
	}
	var policies map[string]DMPolicy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		return nil, IOErr("read_policies", p.policiesPath(), err)
	}
	if policies == nil {
		policies = map[string]DMPolicy{}
	}
	return policies, nil
}

func (p *PairingStore) writePolicies(policies map[string]DMPolicy) error {
	data, err := yaml.Marshal(policies)
	if err != nil {
		return IOErr("write_policies", p.policiesPath(), err)
	}
	return WriteFileAtomic(p.policiesPath(), data, 0o644)
}

func (p *PairingStore) readRequests() ([]PairingRequest, error) {
	data, err := os.ReadFile(p.requestsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, IOErr("read_requests", p.requestsPath(), err)
	}
	var requests []PairingRequest
	if err := yaml.Unmarshal(data, &requests); err != nil {
		return nil, IOErr("read_requests", p.requestsPath(), err)
	}
	return requests, nil
}

func (p *PairingStore) writeRequests(requests []PairingRequest) error {
	data, err := yaml.Marshal(requests)
	if err != nil {
		return IOErr("write_requests", p.requestsPath(), err)
	}
	return WriteFileAtomic(p.requestsPath(), data, 0o644)
}

// newPairingCode draws 6 uniformly random characters from A-Z0-9.
func newPairingCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(pairingCodeCharset)))
	for i := 0; i < pairingCodeLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", IOErr("pairing_code", "", err)
		}
		b.WriteByte(pairingCodeCharset[n.Int64()])
	}
	return b.String(), nil
}
