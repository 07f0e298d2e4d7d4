package database

import (
	"database/sql"
	"encoding/json"
)

// PlatformInfo is the record a node captures about itself at registration
// time. Its JSON shape is fixed by the node protocol.
type PlatformInfo struct {
	Platform string       `json:"platform"`
	Node     string       `json:"node"`
	OS       OSInfo       `json:"os"`
	Hardware HardwareInfo `json:"hardware"`
	Python   PythonInfo   `json:"python"`
}

// OSInfo describes the operating system of a node.
type OSInfo struct {
	System  string `json:"system"`
	Release string `json:"release"`
	Version string `json:"version"`
}

// HardwareInfo describes the hardware of a node.
type HardwareInfo struct {
	Machine   string `json:"machine"`
	Processor string `json:"processor"`
}

// PythonInfo describes the language runtime of a node. Build carries the
// build number and build date, in that order.
type PythonInfo struct {
	Build          []string `json:"build"`
	Compiler       string   `json:"compiler"`
	Implementation string   `json:"implementation"`
	Version        string   `json:"version"`
}

// Session is one lifetime of a node at a given (ip, port), from registration
// to deregistration. At most one session per endpoint is active (End is
// NULL) at any time.
type Session struct {
	ID               int64          `db:"id_session"`
	Start            string         `db:"session_start"`
	End              sql.NullString `db:"session_end"`
	IP               string         `db:"env_ip"`
	Port             int            `db:"env_port"`
	Platform         string         `db:"env_platform"`
	NodeName         string         `db:"env_node"`
	OSSystem         string         `db:"env_os_system"`
	OSRelease        string         `db:"env_os_release"`
	OSVersion        string         `db:"env_os_version"`
	HWMachine        string         `db:"env_hw_machine"`
	HWProcessor      string         `db:"env_hw_processor"`
	PyBuildNo        string         `db:"env_py_build_no"`
	PyBuildDate      string         `db:"env_py_build_date"`
	PyCompiler       string         `db:"env_py_compiler"`
	PyImplementation string         `db:"env_py_implementation"`
	PyVersion        string         `db:"env_py_version"`
}

// PlatformInfo reassembles the nested platform record from the flattened
// session columns.
func (s *Session) PlatformInfo() PlatformInfo {
	return PlatformInfo{
		Platform: s.Platform,
		Node:     s.NodeName,
		OS: OSInfo{
			System:  s.OSSystem,
			Release: s.OSRelease,
			Version: s.OSVersion,
		},
		Hardware: HardwareInfo{
			Machine:   s.HWMachine,
			Processor: s.HWProcessor,
		},
		Python: PythonInfo{
			Build:          []string{s.PyBuildNo, s.PyBuildDate},
			Compiler:       s.PyCompiler,
			Implementation: s.PyImplementation,
			Version:        s.PyVersion,
		},
	}
}

// Endpoint identifies a node by its (ip, port) pair.
type Endpoint struct {
	IP   string `db:"env_ip"`
	Port int    `db:"env_port"`
}

// Report is the outcome of one test as reported by a node. Timestamps are
// opaque strings originated by the node. A positive result code means pass,
// a negative one fail and zero inconclusive.
type Report struct {
	TestName        string          `json:"test_name"`
	TestDescription string          `json:"test_description"`
	TimestampStart  string          `json:"timestamp_start"`
	TimestampEnd    string          `json:"timestamp_end"`
	ResultCode      int             `json:"result_code"`
	AdditionalInfo  json.RawMessage `json:"additional_info,omitempty"`
}

// Execution is one invocation of tests on a node, joined with its reports
// for search responses.
type Execution struct {
	ExecutionID         int64    `json:"execution_id"`
	SessionID           int64    `json:"session_id"`
	TimestampRegistered string   `json:"timestamp_registered"`
	Reports             []Report `json:"reports,omitempty"`
}

// SessionSummary is the projection returned by session searches.
type SessionSummary struct {
	SessionID        int64  `json:"session_id"`
	SessionStart     string `json:"session_start"`
	SessionEnd       string `json:"session_end,omitempty"`
	IP               string `json:"ip"`
	Port             int    `json:"port"`
	PlatformOSSystem string `json:"platform_os_system"`
}
