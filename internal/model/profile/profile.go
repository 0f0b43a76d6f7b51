package profile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// ChildProfile 描述被支持的孩子，会话期间保持不变。
type ChildProfile struct {
	Age                       string `json:"age"`
	AutismLevel               string `json:"autismLevel"`
	CommunicationCapabilities string `json:"communicationCapabilities"`
}

const unspecified = "not specified"

// Default returns the profile a session starts with when none is supplied.
func Default() ChildProfile {
	return ChildProfile{
		Age:                       "teen/adult",
		AutismLevel:               "Level 1 (high-functioning)",
		CommunicationCapabilities: "Can communicate in full sentences",
	}
}

// Unspecified returns a profile with every field set to "not specified".
func Unspecified() ChildProfile {
	return ChildProfile{
		Age:                       unspecified,
		AutismLevel:               unspecified,
		CommunicationCapabilities: unspecified,
	}
}

// WithDefaults fills blank fields from base.
func (p ChildProfile) WithDefaults(base ChildProfile) ChildProfile {
	if strings.TrimSpace(p.Age) == "" {
		p.Age = base.Age
	}
	if strings.TrimSpace(p.AutismLevel) == "" {
		p.AutismLevel = base.AutismLevel
	}
	if strings.TrimSpace(p.CommunicationCapabilities) == "" {
		p.CommunicationCapabilities = base.CommunicationCapabilities
	}
	return p
}

// IsZero reports whether no field is set.
func (p ChildProfile) IsZero() bool {
	return strings.TrimSpace(p.Age) == "" &&
		strings.TrimSpace(p.AutismLevel) == "" &&
		strings.TrimSpace(p.CommunicationCapabilities) == ""
}

// LoadFile 从 JSON 文件读取档案，缺失字段使用 Default 填充。
func LoadFile(path string) (ChildProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChildProfile{}, fmt.Errorf("failed to read profile file: %w", err)
	}

	var p ChildProfile
	if err := json.Unmarshal(data, &p); err != nil {
		return ChildProfile{}, fmt.Errorf("invalid profile file %s: %w", path, err)
	}
	return p.WithDefaults(Default()), nil
}
