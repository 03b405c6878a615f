// Package ballot derives the printable artefacts of a paper ballot: ballot
// numbers, verification codes and QR payloads.
package ballot

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"voting-audit/encryption"
	"voting-audit/models"
)

const (
	stationPrefixLen    = 4
	ballotRandomBytes   = 3
	verificationCodeLen = 4 // bytes, 8 hex chars
	hashPrefixLen       = 16
	temporaryPrefix     = "TMP-"
)

// SecurePrintFormat is the payload handed to a printer driver.
type SecurePrintFormat struct {
	BallotNumber     string    `json:"ballotNumber"`
	SerialNumber     string    `json:"serialNumber"`
	VoteHash         string    `json:"voteHash"`
	PollingStation   string    `json:"pollingStation"`
	Timestamp        time.Time `json:"timestamp"`
	VerificationCode string    `json:"verificationCode"`
	IsDistress       bool      `json:"isDistress"`
	QRCodeData       string    `json:"qrCodeData,omitempty"`
}

// QRPayload is kept small enough for a version 10 QR code at medium ECC.
type QRPayload struct {
	BallotNumber     string `json:"ballotNumber"`
	SerialNumber     string `json:"serialNumber"`
	HashPrefix       string `json:"hashPrefix"`
	Timestamp        string `json:"timestamp"`
	VerificationCode string `json:"verificationCode"`
}

type Formatter struct {
	now    func() time.Time
	random io.Reader
}

type Option func(*Formatter)

func WithClock(now func() time.Time) Option {
	return func(f *Formatter) { f.now = now }
}

func WithRandom(r io.Reader) Option {
	return func(f *Formatter) { f.random = r }
}

func NewFormatter(opts ...Option) *Formatter {
	f := &Formatter{now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// GenerateBallotNumber returns BAL-<station prefix>-<base36 millis>-<random hex>.
// Uniqueness is enforced by the store, not here.
func (f *Formatter) GenerateBallotNumber(stationCode string) (string, error) {
	buf := make([]byte, ballotRandomBytes)
	if _, err := io.ReadFull(f.random, buf); err != nil {
		return "", errors.Wrap(err, "failed to read randomness")
	}

	ts := strings.ToUpper(strconv.FormatInt(f.now().UnixMilli(), 36))
	return fmt.Sprintf("BAL-%s-%s-%s", stationPrefix(stationCode), ts, strings.ToUpper(hex.EncodeToString(buf))), nil
}

// DeriveVerificationCode is a short one-way digest of voteHash || ballotNumber
// that lets an auditor match paper to the digital record.
func DeriveVerificationCode(voteHash, ballotNumber string) string {
	digest := encryption.Keccak256([]byte(voteHash), []byte(ballotNumber))
	return strings.ToUpper(hex.EncodeToString(digest[:verificationCodeLen]))
}

func (f *Formatter) GenerateQRCodeData(format *SecurePrintFormat) (string, error) {
	data, err := json.Marshal(QRPayload{
		BallotNumber:     format.BallotNumber,
		SerialNumber:     format.SerialNumber,
		HashPrefix:       hashPrefix(format.VoteHash),
		Timestamp:        format.Timestamp.UTC().Format(time.RFC3339),
		VerificationCode: format.VerificationCode,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode QR payload")
	}
	return string(data), nil
}

// BuildSecurePrintFormat assembles a print payload under a temporary ballot
// number. Finalize must be called once the real number is minted.
func (f *Formatter) BuildSecurePrintFormat(job *models.PrintJob, vote *models.Vote, station *models.PollingStation) (*SecurePrintFormat, error) {
	switch {
	case job == nil:
		return nil, errors.New("print job is required")
	case vote == nil:
		return nil, errors.Errorf("vote %s not found for job %s", job.VoteID, job.ID)
	case station == nil:
		return nil, errors.Errorf("polling station %s not found for job %s", job.PollingStationID, job.ID)
	case vote.ID != job.VoteID:
		return nil, errors.Errorf("job %s references vote %s, got %s", job.ID, job.VoteID, vote.ID)
	case vote.EncryptedVoteHash == "":
		return nil, errors.Errorf("vote %s has no content hash", vote.ID)
	}

	format := &SecurePrintFormat{
		BallotNumber:   temporaryPrefix + strings.ToUpper(shortID(job.ID)),
		SerialNumber:   vote.SerialNumber,
		VoteHash:       vote.EncryptedVoteHash,
		PollingStation: station.Label(),
		Timestamp:      vote.Timestamp,
		IsDistress:     vote.IsDistressFlagged,
	}
	format.VerificationCode = DeriveVerificationCode(format.VoteHash, format.BallotNumber)
	return format, nil
}

// Finalize stamps the minted ballot number and recomputes what derives from it.
func (f *Formatter) Finalize(format *SecurePrintFormat, ballotNumber string) error {
	format.BallotNumber = ballotNumber
	format.VerificationCode = DeriveVerificationCode(format.VoteHash, ballotNumber)

	qr, err := f.GenerateQRCodeData(format)
	if err != nil {
		return err
	}
	format.QRCodeData = qr
	return nil
}

func stationPrefix(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if b.Len() == stationPrefixLen {
			break
		}
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	for b.Len() < stationPrefixLen {
		b.WriteByte('X')
	}
	return b.String()
}

func hashPrefix(h string) string {
	h = strings.TrimPrefix(h, "0x")
	if len(h) > hashPrefixLen {
		return h[:hashPrefixLen]
	}
	return h
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
