package integrity

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DetachedVerifier checks detached signature files with an external gpg
// binary. It applies the same trust and expiration rules as KeyVerifier.
type DetachedVerifier struct {
	GPGPath string
	Home    string
	Timeout time.Duration

	window trustWindow
	run    func(ctx context.Context, name string, args, env []string) ([]byte, error)
}

// NewDetachedVerifier creates a gpg backed verifier. An empty home uses the
// invoking user's keyring.
func NewDetachedVerifier(home string, expiration time.Duration, now func() time.Time) *DetachedVerifier {
	return &DetachedVerifier{
		GPGPath: "gpg",
		Home:    home,
		Timeout: 10 * time.Second,
		window:  newTrustWindow(expiration, now),
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args, env []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	// Output still returns stdout when gpg exits non-zero.
	return cmd.Output()
}

// gpgStatus holds what we need from gpg's --status-fd stream.
type gpgStatus struct {
	valid       bool
	fingerprint string
	primary     string
	created     time.Time
	reason      string
}

func parseGPGStatus(out []byte) gpgStatus {
	var st gpgStatus
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] != "[GNUPG:]" {
			continue
		}
		switch fields[1] {
		case "VALIDSIG":
			if len(fields) < 5 {
				continue
			}
			st.valid = true
			st.fingerprint = strings.ToUpper(fields[2])
			st.created = parseGPGTime(fields[4])
			if len(fields) >= 12 {
				st.primary = strings.ToUpper(fields[11])
			}
		case "BADSIG":
			st.reason = "bad signature"
		case "EXPSIG", "EXPKEYSIG":
			st.reason = "signature or key expired"
		case "REVKEYSIG":
			st.reason = "signing key revoked"
		case "ERRSIG":
			if st.reason == "" {
				st.reason = "signature could not be checked"
			}
		case "NO_PUBKEY":
			st.reason = "public key not in keyring"
		}
	}
	if st.reason != "" {
		st.valid = false
	}
	return st
}

func parseGPGTime(s string) time.Time {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC()
	}
	if t, err := time.Parse("20060102T150405", s); err == nil {
		return t
	}
	return time.Time{}
}

// matchGPGSigner finds the signer whose KeyID is a suffix of either
// fingerprint. gpg long key IDs are the last 16 hex digits.
func matchGPGSigner(signers []TrustedSigner, fingerprints ...string) *TrustedSigner {
	for i := range signers {
		id := strings.ToUpper(strings.TrimPrefix(signers[i].KeyID, "0x"))
		if id == "" {
			continue
		}
		for _, fpr := range fingerprints {
			if fpr != "" && strings.HasSuffix(fpr, id) {
				return &signers[i]
			}
		}
	}
	return nil
}

// Verify runs gpg against path and its detached signature. The signature
// comes from sig.Signature (base64) when set, otherwise from path+".sig"
// or path+".asc".
func (v *DetachedVerifier) Verify(ctx context.Context, path string, sig *Signature, signers []TrustedSigner) Result {
	sigPath, cleanup, err := v.signatureFile(path, sig)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer cleanup()

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var env []string
	if v.Home != "" {
		env = append(env, "GNUPGHOME="+v.Home)
	}
	gpg := v.GPGPath
	if gpg == "" {
		gpg = "gpg"
	}

	out, runErr := v.run(ctx, gpg, []string{"--batch", "--no-tty", "--status-fd", "1", "--verify", sigPath, path}, env)
	if ctx.Err() == context.DeadlineExceeded {
		return Result{Error: fmt.Sprintf("gpg timed out after %s", timeout)}
	}

	st := parseGPGStatus(out)
	if !st.valid {
		reason := st.reason
		if reason == "" {
			reason = "gpg did not report a valid signature"
		}
		if runErr != nil {
			reason = fmt.Sprintf("%s: %v", reason, runErr)
		}
		return Result{Error: reason}
	}

	signer := matchGPGSigner(signers, st.fingerprint, st.primary)
	if sig != nil && sig.KeyID != "" && signer != nil && signer.KeyID != sig.KeyID {
		return Result{Error: fmt.Sprintf("signature made by %s, expected key %s", signer.KeyID, sig.KeyID)}
	}
	if reason := v.window.check(signer, st.fingerprint, st.created); reason != "" {
		return Result{Error: reason}
	}
	return Result{Valid: true, Signer: signer}
}

func (v *DetachedVerifier) signatureFile(path string, sig *Signature) (string, func(), error) {
	noop := func() {}

	if sig != nil && sig.Signature != "" {
		raw, err := base64.StdEncoding.DecodeString(sig.Signature)
		if err != nil {
			return "", noop, fmt.Errorf("signature is not valid base64")
		}
		f, err := os.CreateTemp("", "pluginwarden-sig-*")
		if err != nil {
			return "", noop, fmt.Errorf("failed to stage signature: %w", err)
		}
		name := f.Name()
		cleanup := func() { os.Remove(name) }
		if _, err := f.Write(raw); err != nil {
			f.Close()
			cleanup()
			return "", noop, fmt.Errorf("failed to stage signature: %w", err)
		}
		if err := f.Close(); err != nil {
			cleanup()
			return "", noop, fmt.Errorf("failed to stage signature: %w", err)
		}
		return name, cleanup, nil
	}

	for _, suffix := range []string{".sig", ".asc"} {
		if _, err := os.Stat(path + suffix); err == nil {
			return path + suffix, noop, nil
		}
	}
	return "", noop, fmt.Errorf("no detached signature found for %s", path)
}
