package types

import (
	"math/bits"
	"time"

	"github.com/cuemby/acs/pkg/devicedata"
)

// SessionState is the protocol state of a CWMP session
type SessionState int

const (
	StateAwaitingInform      SessionState = 0
	StateReady               SessionState = 1
	StateAwaitingCPEResponse SessionState = 2
)

// AuthState tracks CPE authentication within a session
type AuthState int

const (
	AuthUnauthenticated AuthState = 0
	AuthChallenged      AuthState = 1
	AuthAuthenticated   AuthState = 2
)

// DefaultChannel carries provisions that belong to no task or preset
const DefaultChannel = "default"

// CycleKind is the unit of work whose provisions are currently queued
type CycleKind string

const (
	CycleTask          CycleKind = "task"
	CyclePreconditions CycleKind = "preconditions"
	CyclePresets       CycleKind = "presets"
)

// DeviceIDStruct identifies a CPE as reported in Inform
type DeviceIDStruct struct {
	Manufacturer string `json:"manufacturer"`
	OUI          string `json:"oui"`
	ProductClass string `json:"productClass,omitempty"`
	SerialNumber string `json:"serialNumber"`
}

// Device is the durable record of a CPE and its parameter tree
type Device struct {
	ID         string           `json:"id"`
	DeviceID   DeviceIDStruct   `json:"deviceId"`
	Registered int64            `json:"registered"`
	LastInform int64            `json:"lastInform"`
	LastBoot   int64            `json:"lastBoot,omitempty"`
	Tree       *devicedata.Tree `json:"tree"`
}

// Fault is the failure record of one channel
type Fault struct {
	Code         string  `json:"code"`
	Message      string  `json:"message"`
	Detail       any     `json:"detail,omitempty"`
	Timestamp    int64   `json:"timestamp"`
	Provisions   [][]any `json:"provisions,omitempty"`
	Retries      int     `json:"retries"`
	Expiry       int64   `json:"expiry,omitempty"`
	RetryNow     bool    `json:"retryNow,omitempty"`
	Precondition bool    `json:"precondition,omitempty"`
}

// ProvisionSet marks which provisions of a cycle belong to a channel, one
// bit per provision index. It has no upper bound.
type ProvisionSet []uint64

// NewProvisionSet returns a set holding indexes
func NewProvisionSet(indexes ...int) ProvisionSet {
	var s ProvisionSet
	for _, i := range indexes {
		s = s.With(i)
	}
	return s
}

// Has reports whether index i is in the set
func (s ProvisionSet) Has(i int) bool {
	w := i / 64
	return i >= 0 && w < len(s) && s[w]&(1<<(i%64)) != 0
}

// With returns a copy of s that also holds i. s is never modified, so sets
// cloned into operations stay stable while the cycle grows.
func (s ProvisionSet) With(i int) ProvisionSet {
	w := i / 64
	out := make(ProvisionSet, max(len(s), w+1))
	copy(out, s)
	out[w] |= 1 << (i % 64)
	return out
}

// Len returns the number of indexes in the set
func (s ProvisionSet) Len() int {
	n := 0
	for _, w := range s {
		n += bits.OnesCount64(w)
	}
	return n
}

// Select returns the provisions whose indexes are in the set
func (s ProvisionSet) Select(provisions [][]any) [][]any {
	var out [][]any
	for i, p := range provisions {
		if s.Has(i) {
			out = append(out, p)
		}
	}
	return out
}

// Operation is work awaiting an asynchronous completion from the CPE
type Operation struct {
	Name       string                  `json:"name"`
	Timestamp  int64                   `json:"timestamp"`
	Channels   map[string]ProvisionSet `json:"channels"`
	Retries    map[string]int          `json:"retries,omitempty"`
	Provisions [][]any                 `json:"provisions"`
	Args       *DownloadArgs           `json:"args,omitempty"`
}

// DownloadArgs describes a pending firmware or config download
type DownloadArgs struct {
	Key            string `json:"key"`
	FileType       string `json:"fileType"`
	FileName       string `json:"fileName"`
	TargetFileName string `json:"targetFileName,omitempty"`
}

// TaskName is the kind of a queued device task
type TaskName string

const (
	TaskGetParameterValues TaskName = "getParameterValues"
	TaskSetParameterValues TaskName = "setParameterValues"
	TaskRefreshObject      TaskName = "refreshObject"
	TaskReboot             TaskName = "reboot"
	TaskFactoryReset       TaskName = "factoryReset"
	TaskDownload           TaskName = "download"
	TaskDeleteObject       TaskName = "deleteObject"
	TaskProvisions         TaskName = "provisions"
)

// Task is an operator-queued unit of work for one device
type Task struct {
	ID              string   `json:"id" yaml:"id"`
	Device          string   `json:"device" yaml:"device"`
	Name            TaskName `json:"name" yaml:"name"`
	Timestamp       int64    `json:"timestamp" yaml:"timestamp"`
	Expiry          int64    `json:"expiry,omitempty" yaml:"expiry"`
	ParameterNames  []string `json:"parameterNames,omitempty" yaml:"parameterNames"`
	ParameterValues [][]any  `json:"parameterValues,omitempty" yaml:"parameterValues"`
	ObjectName      string   `json:"objectName,omitempty" yaml:"objectName"`
	FileType        string   `json:"fileType,omitempty" yaml:"fileType"`
	FileName        string   `json:"fileName,omitempty" yaml:"fileName"`
	TargetFileName  string   `json:"targetFileName,omitempty" yaml:"targetFileName"`
	Provisions      [][]any  `json:"provisions,omitempty" yaml:"provisions"`
}

// Channel returns the fault/retry channel of the task
func (t *Task) Channel() string {
	return "task_" + t.ID
}

// Declaration asks for parameter data to be at least as fresh as the given
// timestamps, and optionally for values to be set.
type Declaration struct {
	Path    string           `json:"path"`
	PathGet int64            `json:"pathGet,omitempty"`
	PathSet *int             `json:"pathSet,omitempty"`
	AttrGet map[string]int64 `json:"attrGet,omitempty"`
	AttrSet map[string]any   `json:"attrSet,omitempty"`
	Defer   bool             `json:"defer,omitempty"`
}

// Clear invalidates cached data under Path older than Timestamp
type Clear struct {
	Path       string          `json:"path"`
	Timestamp  int64           `json:"timestamp"`
	Attributes map[string]bool `json:"attributes,omitempty"`
}

// Condition is one term of a preset precondition
type Condition struct {
	Path  string `json:"path" yaml:"path"`
	Op    string `json:"op" yaml:"op"`
	Value any    `json:"value,omitempty" yaml:"value"`
}

// Schedule gates a preset to a recurring window
type Schedule struct {
	Expression string `json:"expression" yaml:"expression"`
	Duration   int64  `json:"duration" yaml:"duration"`
}

// Preset is an operator rule mapping device state to provisions
type Preset struct {
	Name         string          `json:"name" yaml:"name"`
	Channel      string          `json:"channel,omitempty" yaml:"channel"`
	Weight       int             `json:"weight" yaml:"weight"`
	Events       map[string]bool `json:"events,omitempty" yaml:"events"`
	Schedule     *Schedule       `json:"schedule,omitempty" yaml:"schedule"`
	Precondition []Condition     `json:"precondition,omitempty" yaml:"precondition"`
	Provisions   [][]any         `json:"provisions" yaml:"provisions"`
}

// Script is a named provision or virtual parameter script
type Script struct {
	Name   string `json:"name" yaml:"name"`
	Script string `json:"script" yaml:"script"`
}

// File is a downloadable artifact served to CPEs
type File struct {
	ID           string `json:"id" yaml:"id"`
	FileType     string `json:"fileType" yaml:"fileType"`
	OUI          string `json:"oui,omitempty" yaml:"oui"`
	ProductClass string `json:"productClass,omitempty" yaml:"productClass"`
	Version      string `json:"version,omitempty" yaml:"version"`
	URL          string `json:"url" yaml:"url"`
	Size         int64  `json:"size,omitempty" yaml:"size"`
}

// ConfigEntry is one cluster configuration value
type ConfigEntry struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Snapshot is an immutable view of cluster configuration keyed by the hash
// of its canonical encoding
type Snapshot struct {
	Revision          string            `json:"-"`
	Presets           []*Preset         `json:"presets"`
	Provisions        map[string]string `json:"provisions"`
	VirtualParameters map[string]string `json:"virtualParameters"`
	Files             map[string]*File  `json:"files"`
	Config            map[string]string `json:"config"`
}

// SessionContext is the complete state of one device session
type SessionContext struct {
	SessionID    string         `json:"sessionId"`
	DeviceID     string         `json:"deviceId"`
	DeviceInfo   DeviceIDStruct `json:"deviceInfo"`
	CWMPVersion  string         `json:"cwmpVersion"`
	Timestamp    int64          `json:"timestamp"`
	Timeout      time.Duration  `json:"timeout"`
	LastActivity int64          `json:"lastActivity"`
	State        SessionState   `json:"state"`
	AuthState    AuthState      `json:"authState"`
	AuthNonce    string         `json:"authNonce,omitempty"`
	Revision     string         `json:"revision"`
	Events       []string       `json:"events"`
	New          bool           `json:"new,omitempty"`

	Channels           map[string]ProvisionSet `json:"channels"`
	Provisions         [][]any                 `json:"provisions"`
	ProvisionRevisions []int                   `json:"provisionRevisions"`
	VirtualRevisions   map[string]int          `json:"virtualRevisions,omitempty"`

	Faults        map[string]*Fault     `json:"faults"`
	FaultsTouched map[string]bool       `json:"faultsTouched"`
	Tasks         []*Task               `json:"tasks"`
	DoneTasks     []string              `json:"doneTasks,omitempty"`
	Operations    map[string]*Operation `json:"operations"`
	OpsTouched    map[string]bool       `json:"opsTouched"`

	Cycle             CycleKind     `json:"cycle,omitempty"`
	PresetsDone       bool          `json:"presetsDone,omitempty"`
	PresetCycles      int           `json:"presetCycles"`
	PresetChangeMark  uint64        `json:"presetChangeMark"`
	ExtraDeclarations []Declaration `json:"extraDeclarations,omitempty"`
	Whitelist         string        `json:"whitelist,omitempty"`

	ExtensionsCache map[string]any `json:"extensionsCache"`

	LockToken  string `json:"lockToken,omitempty"`
	ExtendLock int64  `json:"extendLock,omitempty"`

	RPCCount   int         `json:"rpcCount"`
	RPCRequest *ACSRequest `json:"rpcRequest,omitempty"`

	Device *Device `json:"device"`
}

// Tree returns the device parameter tree of the session
func (sc *SessionContext) Tree() *devicedata.Tree {
	return sc.Device.Tree
}

// ParameterValue is a name/value/type triple on the wire
type ParameterValue struct {
	Name  string
	Value string
	Type  string
}

// ParameterInfo is a GetParameterNames result entry
type ParameterInfo struct {
	Name     string
	Writable bool
}

// InformRequest is the session-opening CPE message
type InformRequest struct {
	DeviceID      DeviceIDStruct
	Events        []string
	MaxEnvelopes  int
	CurrentTime   string
	RetryCount    int
	ParameterList []ParameterValue
}

// TransferCompleteRequest reports the outcome of an earlier Download
type TransferCompleteRequest struct {
	CommandKey   string
	Fault        *CPEFault
	StartTime    string
	CompleteTime string
}

// SetParameterValuesFault is a per-parameter SPV failure
type SetParameterValuesFault struct {
	ParameterName string
	FaultCode     string
	FaultString   string
}

// CPEFault is a SOAP fault returned by the CPE
type CPEFault struct {
	FaultCode   string
	FaultString string
	SPVFaults   []SetParameterValuesFault
}

// CPEResponse is the CPE's reply to an ACS request
type CPEResponse struct {
	Name           string
	ParameterList  []ParameterValue
	ParameterNames []ParameterInfo
	Status         int
	InstanceNumber int64
	StartTime      string
	CompleteTime   string
}

// CPEMessage is one decoded HTTP request body from a CPE. Method is empty
// for an empty body.
type CPEMessage struct {
	ID               string
	CWMPVersion      string
	Method           string
	Inform           *InformRequest
	TransferComplete *TransferCompleteRequest
	Response         *CPEResponse
	Fault            *CPEFault
}

// ACSRequest is an RPC the ACS sends to the CPE
type ACSRequest struct {
	Name           string           `json:"name"`
	ParameterPath  string           `json:"parameterPath,omitempty"`
	NextLevel      bool             `json:"nextLevel,omitempty"`
	ParameterNames []string         `json:"parameterNames,omitempty"`
	ParameterList  []ParameterValue `json:"parameterList,omitempty"`
	ParameterKey   string           `json:"parameterKey,omitempty"`
	ObjectName     string           `json:"objectName,omitempty"`
	CommandKey     string           `json:"commandKey,omitempty"`
	FileType       string           `json:"fileType,omitempty"`
	URL            string           `json:"url,omitempty"`
	FileSize       int64            `json:"fileSize,omitempty"`
	TargetFileName string           `json:"targetFileName,omitempty"`
	DelaySeconds   int              `json:"delaySeconds,omitempty"`

	// Local bookkeeping, never rendered
	ID       string        `json:"id"`
	Download *DownloadArgs `json:"download,omitempty"`
	Stamp    int64         `json:"stamp,omitempty"`
}

// ACSMessage is one HTTP response body to a CPE
type ACSMessage struct {
	ID           string
	CWMPVersion  string
	Name         string
	Request      *ACSRequest
	Methods      []string
	MaxEnvelopes int
	Fault        *CPEFault
}
