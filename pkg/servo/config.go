package servo

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Definition file names inside the definitions directory.
const (
	TypesFile    = "servoTypes.json"
	ServosFile   = "servoDefinitions.json"
	FeedbackFile = "servoFeedbackDefinitions.json"
)

// Definitions holds everything loaded from the definition files.
type Definitions struct {
	Types    map[string]Type
	Servos   map[string]Static
	Feedback map[string]FeedbackConfig
}

// LoadDefinitions loads the servo types, servos and feedback definitions
// from dir. The feedback file is optional. A backup copy of every file that
// was read successfully is written next to it.
func LoadDefinitions(dir string) (*Definitions, error) {
	defs := &Definitions{}
	if err := loadJSON(filepath.Join(dir, TypesFile), &defs.Types, true); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, ServosFile), &defs.Servos, true); err != nil {
		return nil, err
	}
	if err := loadJSON(filepath.Join(dir, FeedbackFile), &defs.Feedback, false); err != nil {
		return nil, err
	}
	if defs.Feedback == nil {
		defs.Feedback = map[string]FeedbackConfig{}
	}
	return defs, nil
}

func loadJSON(path string, v any, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if !required && os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}
	return os.WriteFile(path+".bak", data, 0o644)
}

// SaveServos writes the servo definitions back to dir, including any
// corrections made while building the registry.
func (d *Definitions) SaveServos(dir string) error {
	data, err := json.MarshalIndent(d.Servos, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ServosFile), data, 0o644)
}
