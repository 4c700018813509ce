package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/types"
	"github.com/google/uuid"
)

// ErrUnexpectedResponse is returned for a CPE response that does not answer
// the outstanding request
var ErrUnexpectedResponse = errors.New("unexpected CPE response")

// Roots of the parameter tree that are kept by the ACS and never fetched
// from the device
const (
	RootDeviceID          = "DeviceID"
	RootEvents            = "Events"
	RootTags              = "Tags"
	RootVirtualParameters = "VirtualParameters"
	RootDownloads         = "Downloads"
	ParamReboot           = "Reboot"
	ParamFactoryReset     = "FactoryReset"
)

var localRoots = []string{
	RootDeviceID, RootEvents, RootTags, RootVirtualParameters,
	RootDownloads, ParamReboot, ParamFactoryReset,
}

// IsLocal reports whether path belongs to an ACS-side root
func IsLocal(path string) bool {
	root, _, _ := strings.Cut(path, ".")
	return slices.Contains(localRoots, root)
}

// DeviceID builds the device identifier from the Inform DeviceId struct
func DeviceID(id types.DeviceIDStruct) string {
	esc := func(s string) string { return url.PathEscape(s) }
	if id.ProductClass == "" {
		return esc(id.OUI) + "-" + esc(id.SerialNumber)
	}
	return esc(id.OUI) + "-" + esc(id.ProductClass) + "-" + esc(id.SerialNumber)
}

// New creates the context of a session started at now, in Unix
// milliseconds
func New(deviceID, cwmpVersion string, timeout time.Duration, now int64) *types.SessionContext {
	return &types.SessionContext{
		SessionID:       uuid.NewString(),
		DeviceID:        deviceID,
		CWMPVersion:     cwmpVersion,
		Timestamp:       now,
		Timeout:         timeout,
		LastActivity:    now,
		State:           types.StateAwaitingInform,
		Channels:        make(map[string]types.ProvisionSet),
		Faults:          make(map[string]*types.Fault),
		FaultsTouched:   make(map[string]bool),
		Operations:      make(map[string]*types.Operation),
		OpsTouched:      make(map[string]bool),
		ExtensionsCache: make(map[string]any),
	}
}

// Inform records the Inform request in the session and device tree and
// returns the InformResponse
func Inform(sc *types.SessionContext, req *types.InformRequest) *types.ACSMessage {
	ts := sc.Timestamp
	tree := sc.Tree()

	sc.DeviceInfo = req.DeviceID
	sc.Events = req.Events
	sc.Device.DeviceID = req.DeviceID
	sc.Device.LastInform = ts
	if sc.Device.Registered == 0 {
		sc.Device.Registered = ts
	}

	for name, value := range map[string]string{
		"ID":           sc.DeviceID,
		"Manufacturer": req.DeviceID.Manufacturer,
		"OUI":          req.DeviceID.OUI,
		"ProductClass": req.DeviceID.ProductClass,
		"SerialNumber": req.DeviceID.SerialNumber,
	} {
		tree.SetValue(RootDeviceID+"."+name, value, devicedata.TypeString, ts)
		tree.SetWritable(RootDeviceID+"."+name, false, ts)
	}
	tree.SetDiscovered(RootDeviceID, ts)

	stamp := strconv.FormatInt(ts, 10)
	for _, code := range append([]string{"Inform"}, req.Events...) {
		key := strings.ReplaceAll(code, " ", "_")
		value, typ := devicedata.Format(stamp, devicedata.TypeDateTime)
		tree.SetValue(RootEvents+"."+key, value, typ, ts)
		if code == "1 BOOT" || code == "0 BOOTSTRAP" {
			sc.Device.LastBoot = ts
		}
	}
	tree.SetDiscovered(RootEvents, ts)
	tree.SetDiscovered(RootTags, ts)

	for _, p := range req.ParameterList {
		tree.SetValue(p.Name, p.Value, p.Type, ts)
	}

	sc.State = types.StateReady
	return &types.ACSMessage{
		ID:           sc.SessionID,
		CWMPVersion:  sc.CWMPVersion,
		Name:         "InformResponse",
		MaxEnvelopes: 1,
	}
}

// AddProvisions queues provisions for the current cycle on behalf of
// channel. Identical provisions from different channels share one slot.
func AddProvisions(sc *types.SessionContext, channel string, provisions [][]any) {
	if sc.Channels == nil {
		sc.Channels = make(map[string]types.ProvisionSet)
	}
	set := sc.Channels[channel]
	for _, p := range provisions {
		key := provisionKey(p)
		idx := slices.IndexFunc(sc.Provisions, func(q []any) bool { return provisionKey(q) == key })
		if idx < 0 {
			sc.Provisions = append(sc.Provisions, p)
			sc.ProvisionRevisions = append(sc.ProvisionRevisions, 0)
			idx = len(sc.Provisions) - 1
		}
		set = set.With(idx)
	}
	sc.Channels[channel] = set
}

// ClearProvisions ends the current cycle
func ClearProvisions(sc *types.SessionContext) {
	sc.Provisions = nil
	sc.ProvisionRevisions = nil
	sc.VirtualRevisions = nil
	sc.Channels = make(map[string]types.ProvisionSet)
	sc.ExtraDeclarations = nil
	sc.ExtensionsCache = make(map[string]any)
}

func provisionKey(p []any) string {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Sprint(p)
	}
	return string(data)
}

// Serialize encodes a session for the shared cache
func Serialize(sc *types.SessionContext) ([]byte, error) {
	data, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session: %w", err)
	}
	return data, nil
}

// Deserialize decodes a session from the shared cache
func Deserialize(data []byte) (*types.SessionContext, error) {
	var sc types.SessionContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to deserialize session: %w", err)
	}
	// a session parked mid-authentication has not loaded its device yet
	if sc.Device == nil && sc.State != types.StateAwaitingInform {
		return nil, fmt.Errorf("failed to deserialize session: missing device")
	}
	if sc.Device != nil {
		if sc.Device.Tree == nil {
			sc.Device.Tree = devicedata.New()
		}
		sc.Device.Tree.Init()
	}
	if sc.Channels == nil {
		sc.Channels = make(map[string]types.ProvisionSet)
	}
	if sc.Faults == nil {
		sc.Faults = make(map[string]*types.Fault)
	}
	if sc.FaultsTouched == nil {
		sc.FaultsTouched = make(map[string]bool)
	}
	if sc.Operations == nil {
		sc.Operations = make(map[string]*types.Operation)
	}
	if sc.OpsTouched == nil {
		sc.OpsTouched = make(map[string]bool)
	}
	if sc.ExtensionsCache == nil {
		sc.ExtensionsCache = make(map[string]any)
	}
	return &sc, nil
}

// toInt64 reads a number decoded from JSON, YAML or Lua
func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case float64:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	}
	return 0, false
}
