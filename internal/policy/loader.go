package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ayusman/pluginwarden/internal/audit"
	"github.com/ayusman/pluginwarden/internal/capability"
	"github.com/ayusman/pluginwarden/internal/integrity"
	"github.com/ayusman/pluginwarden/internal/registry"
)

// Audit reasons written by the loader.
const (
	ReasonUserDenied   = "user_denied"
	ReasonUserApproved = "user_approved"
	ReasonUntrusted    = "untrusted"
)

// ApprovalTypeInstall is the request type sent to an Approver.
const ApprovalTypeInstall = "plugin_install"

// ErrApprovalDenied is the conventional error an Approver returns on denial.
var ErrApprovalDenied = errors.New("approval denied")

// ApprovalMetadata describes the plugin an approval is requested for.
type ApprovalMetadata struct {
	Plugin       string         `json:"plugin"`
	Version      string         `json:"version"`
	Trusted      bool           `json:"trusted"`
	Capabilities capability.Set `json:"capabilities"`
	// Requested is what the plugin declares it needs, if anything. It is
	// informational: an approved plugin still gets Capabilities.
	Requested *capability.Set `json:"requested,omitempty"`
}

// ApprovalRequest is sent to the host's permission prompt.
type ApprovalRequest struct {
	Type     string           `json:"type"`
	Title    string           `json:"title"`
	Metadata ApprovalMetadata `json:"metadata"`
}

// Approver asks a person whether an untrusted plugin may load. A nil
// error is approval; any error is a denial.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) error
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) error

// Approve calls f.
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) error {
	return f(ctx, req)
}

// ApprovalStore remembers approval answers between runs.
type ApprovalStore interface {
	LookupApproval(ctx context.Context, plugin, version string) (approved, found bool, err error)
	SaveApproval(ctx context.Context, plugin, version string, approved bool) error
}

// LoadRequest identifies the plugin being loaded. ArtifactPath is optional;
// integrity and signature checks need it.
type LoadRequest struct {
	Name         string
	Version      string
	ArtifactPath string
	// Requested is the capability set declared by the plugin manifest.
	Requested *capability.Set
}

// Decision is the outcome of a load.
type Decision struct {
	Plugin       string              `json:"plugin"`
	Version      string              `json:"version"`
	Trusted      bool                `json:"trusted"`
	Entry        *TrustedPluginEntry `json:"entry,omitempty"`
	Capabilities capability.Set      `json:"capabilities"`
	// Approved is set when an untrusted plugin was let through by the approver.
	Approved bool `json:"approved"`
	// Skipped is set when the plugin must not be loaded but the host may continue.
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

// Loader is the plugin-loading path: trust classification, approval,
// integrity checks and auditing.
type Loader struct {
	policy    Policy
	log       *audit.Log
	registry  *registry.Registry
	approver  Approver
	approvals ApprovalStore
	verifier  integrity.Verifier
	logger    logrus.FieldLogger
	now       func() time.Time
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRegistry cross-checks artifacts against reg when VerifyIntegrity is set.
func WithRegistry(reg *registry.Registry) LoaderOption {
	return func(l *Loader) { l.registry = reg }
}

// WithApprover sets the permission prompt used when RequireApproval is set.
func WithApprover(a Approver) LoaderOption {
	return func(l *Loader) { l.approver = a }
}

// WithApprovalStore remembers approval answers in s.
func WithApprovalStore(s ApprovalStore) LoaderOption {
	return func(l *Loader) { l.approvals = s }
}

// WithVerifier overrides the signature verifier.
func WithVerifier(v integrity.Verifier) LoaderOption {
	return func(l *Loader) { l.verifier = v }
}

// WithLogger sets the logger.
func WithLogger(logger logrus.FieldLogger) LoaderOption {
	return func(l *Loader) { l.logger = logger }
}

// WithClock overrides the time source used for signature expiry.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a Loader for p that records to log.
func NewLoader(p Policy, log *audit.Log, opts ...LoaderOption) *Loader {
	l := &Loader{
		policy: p.Clone(),
		log:    log,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = audit.New(audit.WithLogger(l.logger))
	}
	if l.verifier == nil {
		l.verifier = integrity.NewKeyVerifier(l.policy.SignatureExpiration, l.now)
	}
	return l
}

// Policy returns a copy of the policy the loader enforces.
func (l *Loader) Policy() Policy {
	return l.policy.Clone()
}

// Audit returns the log decisions are recorded to.
func (l *Loader) Audit() *audit.Log {
	return l.log
}

// Load decides whether req may load and with which capabilities. Exactly
// one audit entry is written per call.
//
// A nil error with Decision.Skipped set means the plugin must not run but
// loading of other plugins may continue. UntrustedPluginError is returned
// only in strict mode. Integrity and signature failures are always
// returned.
func (l *Loader) Load(ctx context.Context, req LoadRequest) (*Decision, error) {
	trusted, entry := IsTrusted(req.Name, req.Version, &l.policy)
	d := &Decision{
		Plugin:       req.Name,
		Version:      req.Version,
		Trusted:      trusted,
		Entry:        entry,
		Capabilities: GetCapabilities(req.Name, req.Version, &l.policy),
	}
	fields := logrus.Fields{"plugin": req.Name, "version": req.Version}

	if !trusted {
		if l.policy.RequireApproval && l.approver != nil {
			if !l.approve(ctx, req, d) {
				d.Skipped = true
				d.Reason = ReasonUserDenied
				l.record(d, audit.ActionDenied)
				l.logger.WithFields(fields).Info("plugin load denied by user")
				return d, nil
			}
			d.Approved = true
			d.Reason = ReasonUserApproved
		} else {
			if l.policy.RequireApproval {
				l.logger.WithFields(fields).Warn("approval required but no approver configured")
			}
			switch l.policy.Mode {
			case ModeStrict:
				d.Reason = ReasonUntrusted
				l.record(d, audit.ActionDenied)
				return d, &UntrustedPluginError{Plugin: req.Name, Version: req.Version}
			case ModeWarn:
				d.Reason = ReasonUntrusted
				l.logger.WithFields(fields).WithField("capabilities", d.Capabilities.String()).
					Warn("loading untrusted plugin with default capabilities")
			default:
				d.Reason = ReasonUntrusted
			}
		}
	}

	if err := l.verifyArtifact(ctx, req, entry); err != nil {
		d.Skipped = true
		d.Reason = err.Error()
		l.record(d, audit.ActionDenied)
		l.logger.WithFields(fields).WithError(err).Error("plugin artifact failed verification")
		return d, err
	}

	l.record(d, audit.ActionLoaded)
	l.logger.WithFields(fields).WithFields(logrus.Fields{
		"trusted":      d.Trusted,
		"capabilities": d.Capabilities.String(),
	}).Debug("plugin loaded")
	return d, nil
}

func (l *Loader) record(d *Decision, action audit.Action) {
	caps := d.Capabilities
	l.log.Record(d.Plugin, d.Version, action, d.Trusted, &caps, d.Reason)
}

// approve consults the approval store, then the approver. It reports
// whether loading may continue.
func (l *Loader) approve(ctx context.Context, req LoadRequest, d *Decision) bool {
	log := l.logger.WithFields(logrus.Fields{"plugin": req.Name, "version": req.Version})

	if l.approvals != nil {
		approved, found, err := l.approvals.LookupApproval(ctx, req.Name, req.Version)
		if err != nil {
			log.WithError(err).Warn("failed to read remembered approval")
		} else if found {
			return approved
		}
	}

	err := l.approver.Approve(ctx, ApprovalRequest{
		Type:  ApprovalTypeInstall,
		Title: fmt.Sprintf("Allow untrusted plugin %s@%s to load?", req.Name, req.Version),
		Metadata: ApprovalMetadata{
			Plugin:       req.Name,
			Version:      req.Version,
			Trusted:      d.Trusted,
			Capabilities: d.Capabilities,
			Requested:    req.Requested,
		},
	})
	approved := err == nil
	if err != nil && !errors.Is(err, ErrApprovalDenied) {
		log.WithError(err).Warn("approval prompt failed, treating as denial")
	}

	if l.approvals != nil {
		if err := l.approvals.SaveApproval(ctx, req.Name, req.Version, approved); err != nil {
			log.WithError(err).Warn("failed to remember approval")
		}
	}
	return approved
}

// verifyArtifact checks the hash and signature pinned by entry and, when
// VerifyIntegrity is set, the registry record for the exact version.
func (l *Loader) verifyArtifact(ctx context.Context, req LoadRequest, entry *TrustedPluginEntry) error {
	if req.ArtifactPath == "" {
		if entry != nil && (entry.Hash != "" || entry.Signature != nil) {
			return &integrity.IntegrityCheckFailedError{Path: req.Name, Expected: entry.Hash, Actual: "no artifact"}
		}
		return nil
	}

	if entry != nil {
		if entry.Hash != "" {
			if err := integrity.CheckIntegrity(req.ArtifactPath, entry.Hash); err != nil {
				return err
			}
		}
		switch {
		case entry.Signature != nil:
			res := l.verifier.Verify(ctx, req.ArtifactPath, entry.Signature, l.policy.TrustedSigners)
			if err := res.Err(req.ArtifactPath, entry.Signature.KeyID); err != nil {
				return err
			}
		case l.policy.RequireSignature:
			return &integrity.SignatureVerificationFailedError{Path: req.ArtifactPath, Reason: "trusted entry is not signed"}
		}
	}

	if l.policy.VerifyIntegrity && l.registry != nil {
		err := l.registry.VerifyComplete(ctx, req.Name, req.Version, req.ArtifactPath)
		if err != nil && !errors.Is(err, registry.ErrEntryNotFound) {
			return err
		}
	}
	return nil
}
