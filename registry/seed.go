// Package registry loads the voter roll and polling stations the ledger
// checks eligibility against.
package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"voting-audit/models"
)

// SeedFile is the on-disk shape of the roll.
type SeedFile struct {
	Stations []models.PollingStation `json:"stations"`
	Voters   []models.Voter          `json:"voters"`
}

// Seeder receives a validated roll.
type Seeder interface {
	Seed(ctx context.Context, voters []models.Voter, stations []models.PollingStation) error
}

// LoadSeed reads the roll at path, writing the default roll first when the
// file does not exist yet.
func LoadSeed(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return createDefaultSeedFile(path)
		}
		return nil, errors.Wrap(err, "failed to read seed file")
	}

	var seed SeedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal seed file")
	}
	if err := seed.Validate(); err != nil {
		return nil, err
	}
	return &seed, nil
}

func (f *SeedFile) Validate() error {
	stations := make(map[string]bool, len(f.Stations))
	for _, s := range f.Stations {
		if s.ID == "" || s.Code == "" {
			return errors.Errorf("polling station %q needs an id and a code", s.ID)
		}
		if stations[s.ID] {
			return errors.Errorf("polling station %s listed twice", s.ID)
		}
		stations[s.ID] = true
	}

	voters := make(map[string]bool, len(f.Voters))
	for _, v := range f.Voters {
		if v.ID == "" {
			return errors.New("voter id is required")
		}
		if voters[v.ID] {
			return errors.Errorf("voter %s listed twice", v.ID)
		}
		voters[v.ID] = true

		if !v.Status.Valid() {
			return errors.Errorf("voter %s has unknown status %q", v.ID, v.Status)
		}
		if v.PollingStationID != "" && !stations[v.PollingStationID] {
			return errors.Errorf("voter %s references unknown polling station %s", v.ID, v.PollingStationID)
		}
	}
	return nil
}

func (f *SeedFile) Apply(ctx context.Context, s Seeder) error {
	return errors.Wrap(s.Seed(ctx, f.Voters, f.Stations), "failed to apply seed")
}

// DefaultSeed is the roll written on first start.
func DefaultSeed() *SeedFile {
	return &SeedFile{
		Stations: []models.PollingStation{
			{ID: "st-vln-001", Code: "VLN1", Name: "Vilnius City Hall", Region: "Vilnius"},
			{ID: "st-kns-001", Code: "KNS1", Name: "Kaunas Town Hall", Region: "Kaunas"},
		},
		Voters: []models.Voter{
			{ID: "39001011234", Status: models.VoterStatusRegistered, PollingStationID: "st-vln-001"},
			{ID: "48505052345", Status: models.VoterStatusRegistered, PollingStationID: "st-kns-001"},
			{ID: "37007073456", Status: models.VoterStatusPendingVerification, PollingStationID: "st-vln-001"},
		},
	}
}

func createDefaultSeedFile(path string) (*SeedFile, error) {
	seed := DefaultSeed()
	if path == "" {
		return seed, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create seed directory")
	}
	data, err := json.MarshalIndent(seed, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal default seed")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, errors.Wrap(err, "failed to save default seed file")
	}
	return seed, nil
}
