package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/CourseFox/internal/pkg/env"
)

// JobSignatureHeader carries "t=<unix>,v1=<hex hmac>" on internal job deliveries.
const JobSignatureHeader = "X-Job-Signature"

const defaultJobSignatureTolerance = 5 * time.Minute

// JobSigner signs and verifies requests to the job processing endpoint. The
// MAC covers "<timestamp>.<body>" so a captured request cannot be replayed
// outside the tolerance window.
type JobSigner struct {
	secrets   []string
	tolerance time.Duration
	now       func() time.Time
}

// NewJobSigner signs with current and verifies with current or next.
func NewJobSigner(current, next string) *JobSigner {
	return &JobSigner{
		secrets:   compactSecrets(current, next),
		tolerance: defaultJobSignatureTolerance,
		now:       time.Now,
	}
}

// NewJobSignerFromEnv reads JOB_SIGNING_SECRET and JOB_SIGNING_SECRET_NEXT.
func NewJobSignerFromEnv() *JobSigner {
	return NewJobSigner(
		env.GetEnv("JOB_SIGNING_SECRET", ""),
		env.GetEnv("JOB_SIGNING_SECRET_NEXT", ""),
	)
}

func (s *JobSigner) Sign(body []byte) (string, error) {
	if len(s.secrets) == 0 {
		return "", ErrMissingSecret
	}
	ts := s.now().Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(computeMAC(s.secrets[0], ts, body))), nil
}

func (s *JobSigner) Verify(body []byte, header string) error {
	if len(s.secrets) == 0 {
		return ErrMissingSecret
	}
	header = strings.TrimSpace(header)
	if header == "" {
		return ErrMissingHeader
	}

	ts, sigs, err := parseJobSignature(header)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	age := s.now().Sub(time.Unix(ts, 0))
	if age > s.tolerance || age < -s.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrUnauthenticated)
	}

	for _, secret := range s.secrets {
		expected := computeMAC(secret, ts, body)
		for _, sig := range sigs {
			if hmac.Equal(expected, sig) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: no matching signature", ErrUnauthenticated)
}

func computeMAC(secret string, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func parseJobSignature(header string) (int64, [][]byte, error) {
	var ts int64
	var sigs [][]byte
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, fmt.Errorf("invalid header segment %q", part)
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("invalid timestamp: %w", err)
			}
			ts = parsed
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sigs = append(sigs, sig)
		}
	}
	if ts == 0 {
		return 0, nil, fmt.Errorf("timestamp missing")
	}
	if len(sigs) == 0 {
		return 0, nil, fmt.Errorf("no v1 signature")
	}
	return ts, sigs, nil
}
