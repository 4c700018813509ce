package session

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/sandbox"
	"github.com/cuemby/acs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimestamp = int64(1_700_000_000_000)

func newTestSession(t *testing.T) *types.SessionContext {
	t.Helper()
	sc := New("001122-Router-SN1", "1.0", 30*time.Second, testTimestamp)
	sc.Device = &types.Device{ID: sc.DeviceID, Tree: devicedata.New()}

	res := Inform(sc, &types.InformRequest{
		DeviceID: types.DeviceIDStruct{Manufacturer: "Acme", OUI: "001122", ProductClass: "Router", SerialNumber: "SN1"},
		Events:   []string{"1 BOOT"},
		ParameterList: []types.ParameterValue{
			{Name: "Device.DeviceInfo.SoftwareVersion", Value: "1.0", Type: devicedata.TypeString},
			{Name: "Device.ManagementServer.PeriodicInformInterval", Value: "300", Type: devicedata.TypeUnsigned},
		},
	})
	require.Equal(t, "InformResponse", res.Name)
	return sc
}

func newEvaluator() *Evaluator {
	return NewEvaluator(sandbox.New(nil))
}

func next(t *testing.T, e *Evaluator, sc *types.SessionContext, snap *types.Snapshot) *types.ACSRequest {
	t.Helper()
	fault, req, err := e.RPCRequest(context.Background(), sc, snap, nil)
	require.NoError(t, err)
	require.Nil(t, fault)
	return req
}

func respond(t *testing.T, sc *types.SessionContext, res *types.CPEResponse) {
	t.Helper()
	require.NotNil(t, sc.RPCRequest)
	require.NoError(t, RPCResponse(sc, sc.RPCRequest.ID, res))
}

func TestInform(t *testing.T) {
	sc := newTestSession(t)
	tree := sc.Tree()

	assert.Equal(t, types.StateReady, sc.State)
	assert.Equal(t, "Router", tree.Get("DeviceID.ProductClass").Value.Value)
	assert.Equal(t, testTimestamp, devicedata.Native(tree.Get("Events.1_BOOT").Value.Value, devicedata.TypeDateTime))
	assert.NotNil(t, tree.Get("Events.Inform"))
	assert.Equal(t, testTimestamp, sc.Device.LastBoot)
	assert.Equal(t, testTimestamp, sc.Device.LastInform)
	assert.True(t, tree.Get("Device.DeviceInfo").IsObject())
}

func TestDeviceID(t *testing.T) {
	assert.Equal(t, "001122-Router-SN1", DeviceID(types.DeviceIDStruct{OUI: "001122", ProductClass: "Router", SerialNumber: "SN1"}))
	assert.Equal(t, "001122-SN%2F1", DeviceID(types.DeviceIDStruct{OUI: "001122", SerialNumber: "SN/1"}))
}

func TestNewStartsAtGivenTime(t *testing.T) {
	sc := New("001122-SN1", "1.2", time.Minute, testTimestamp)

	assert.Equal(t, testTimestamp, sc.Timestamp)
	assert.Equal(t, testTimestamp, sc.LastActivity)
	assert.Equal(t, time.Minute, sc.Timeout)
	assert.Equal(t, types.StateAwaitingInform, sc.State)
	assert.NotEmpty(t, sc.SessionID)
}

func TestAddProvisionsSharesSlots(t *testing.T) {
	sc := newTestSession(t)

	AddProvisions(sc, "a", [][]any{{"refresh", "Device.WiFi"}, {"reboot"}})
	AddProvisions(sc, "b", [][]any{{"reboot"}})

	assert.Len(t, sc.Provisions, 2)
	assert.Equal(t, types.NewProvisionSet(0, 1), sc.Channels["a"])
	assert.Equal(t, types.NewProvisionSet(1), sc.Channels["b"])
	assert.Equal(t, [][]any{{"reboot"}}, sc.Channels["b"].Select(sc.Provisions))

	ClearProvisions(sc)
	assert.Empty(t, sc.Provisions)
	assert.Empty(t, sc.Channels)
}

func TestAddProvisionsBeyondOneWord(t *testing.T) {
	sc := newTestSession(t)

	var provisions [][]any
	for i := range 70 {
		provisions = append(provisions, []any{"value", fmt.Sprintf("Device.Test.P%d", i), i})
	}
	AddProvisions(sc, "task_t1", provisions)
	AddProvisions(sc, "tail", provisions[66:])

	require.Len(t, sc.Provisions, 70)
	assert.Equal(t, 70, sc.Channels["task_t1"].Len())
	assert.Equal(t, provisions, sc.Channels["task_t1"].Select(sc.Provisions))
	assert.Equal(t, provisions[66:], sc.Channels["tail"].Select(sc.Provisions))
	assert.False(t, sc.Channels["tail"].Has(65))
	assert.True(t, sc.Channels["tail"].Has(69))
}

func TestRefreshObject(t *testing.T) {
	sc := newTestSession(t)
	e := newEvaluator()
	AddProvisions(sc, types.DefaultChannel, [][]any{{"refresh", "Device.WiFi"}})

	req := next(t, e, sc, nil)
	require.NotNil(t, req)
	assert.Equal(t, "GetParameterNames", req.Name)
	assert.Equal(t, "Device.", req.ParameterPath)
	assert.True(t, req.NextLevel)
	respond(t, sc, &types.CPEResponse{Name: "GetParameterNamesResponse", ParameterNames: []types.ParameterInfo{
		{Name: "Device.DeviceInfo."},
		{Name: "Device.ManagementServer."},
		{Name: "Device.WiFi."},
	}})

	req = next(t, e, sc, nil)
	require.NotNil(t, req)
	assert.Equal(t, "GetParameterNames", req.Name)
	assert.Equal(t, "Device.WiFi.", req.ParameterPath)
	assert.False(t, req.NextLevel)
	respond(t, sc, &types.CPEResponse{Name: "GetParameterNamesResponse", ParameterNames: []types.ParameterInfo{
		{Name: "Device.WiFi."},
		{Name: "Device.WiFi.SSID."},
		{Name: "Device.WiFi.SSID.1."},
		{Name: "Device.WiFi.SSID.1.Enable", Writable: true},
		{Name: "Device.WiFi.SSID.1.SSID", Writable: true},
	}})

	req = next(t, e, sc, nil)
	require.NotNil(t, req)
	assert.Equal(t, "GetParameterValues", req.Name)
	assert.Equal(t, []string{"Device.WiFi.SSID.1.Enable", "Device.WiFi.SSID.1.SSID"}, req.ParameterNames)
	respond(t, sc, &types.CPEResponse{Name: "GetParameterValuesResponse", ParameterList: []types.ParameterValue{
		{Name: "Device.WiFi.SSID.1.Enable", Value: "true", Type: devicedata.TypeBoolean},
		{Name: "Device.WiFi.SSID.1.SSID", Value: "home", Type: devicedata.TypeString},
	}})

	assert.Nil(t, next(t, e, sc, nil))
	assert.Equal(t, "home", sc.Tree().Get("Device.WiFi.SSID.1.SSID").Value.Value)
	assert.True(t, sc.Tree().Get("Device.WiFi.SSID.1.SSID").Writable.Value)
	assert.Equal(t, 3, sc.RPCCount)
}

func TestGetParameterNamesRemovesVanishedPaths(t *testing.T) {
	sc := newTestSession(t)
	tree := sc.Tree()
	tree.SetValue("Device.Old.Param", "x", devicedata.TypeString, 1)

	sc.RPCRequest = &types.ACSRequest{ID: "1", Name: "GetParameterNames", ParameterPath: "", NextLevel: true}
	respond(t, sc, &types.CPEResponse{Name: "GetParameterNamesResponse", ParameterNames: []types.ParameterInfo{{Name: "Device."}}})

	assert.NotNil(t, tree.Get("Device"))
	assert.NotNil(t, tree.Get("DeviceID.SerialNumber"), "local roots survive root enumeration")

	sc.RPCRequest = &types.ACSRequest{ID: "2", Name: "GetParameterNames", ParameterPath: "Device.", NextLevel: true}
	respond(t, sc, &types.CPEResponse{Name: "GetParameterNamesResponse", ParameterNames: []types.ParameterInfo{{Name: "Device.DeviceInfo."}}})

	assert.Nil(t, tree.Get("Device.Old"))
	assert.Nil(t, tree.Get("Device.Old.Param"))
	assert.Nil(t, tree.Get("Device.ManagementServer"))
	assert.NotNil(t, tree.Get("Device.DeviceInfo.SoftwareVersion"))
}

func TestSetValue(t *testing.T) {
	sc := newTestSession(t)
	e := newEvaluator()
	AddProvisions(sc, types.DefaultChannel, [][]any{{"value", "Device.ManagementServer.PeriodicInformInterval", 600}})

	req := next(t, e, sc, nil)
	require.NotNil(t, req)
	assert.Equal(t, "SetParameterValues", req.Name)
	assert.Equal(t, []types.ParameterValue{
		{Name: "Device.ManagementServer.PeriodicInformInterval", Value: "600", Type: devicedata.TypeUnsigned},
	}, req.ParameterList)
	respond(t, sc, &types.CPEResponse{Name: "SetParameterValuesResponse"})

	assert.Nil(t, next(t, e, sc, nil))
	assert.Equal(t, "600", sc.Tree().Get("Device.ManagementServer.PeriodicInformInterval").Value.Value)
}

func portMappings(sc *types.SessionContext, n int) {
	tree := sc.Tree()
	for _, p := range []string{"Device.NAT", "Device.NAT.PortMapping"} {
		tree.SetObject(p, true, testTimestamp)
	}
	for i := 1; i <= n; i++ {
		tree.SetObject("Device.NAT.PortMapping."+strconv.Itoa(i), true, testTimestamp)
	}
	tree.SetDiscovered("Device", testTimestamp)
	tree.SetDiscovered("Device.NAT", testTimestamp)
	tree.SetDiscovered("Device.NAT.PortMapping", testTimestamp)
}

func TestInstances(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		sc := newTestSession(t)
		portMappings(sc, 1)
		e := newEvaluator()
		AddProvisions(sc, types.DefaultChannel, [][]any{{"instances", "Device.NAT.PortMapping.*", 2}})

		req := next(t, e, sc, nil)
		require.NotNil(t, req)
		assert.Equal(t, "AddObject", req.Name)
		assert.Equal(t, "Device.NAT.PortMapping.", req.ObjectName)
		respond(t, sc, &types.CPEResponse{Name: "AddObjectResponse", InstanceNumber: 2})

		assert.Nil(t, next(t, e, sc, nil))
		assert.True(t, sc.Tree().Get("Device.NAT.PortMapping.2").IsObject())
	})

	t.Run("delete", func(t *testing.T) {
		sc := newTestSession(t)
		portMappings(sc, 2)
		e := newEvaluator()
		AddProvisions(sc, types.DefaultChannel, [][]any{{"instances", "Device.NAT.PortMapping.*", 0}})

		for _, expected := range []string{"Device.NAT.PortMapping.2.", "Device.NAT.PortMapping.1."} {
			req := next(t, e, sc, nil)
			require.NotNil(t, req)
			assert.Equal(t, "DeleteObject", req.Name)
			assert.Equal(t, expected, req.ObjectName)
			respond(t, sc, &types.CPEResponse{Name: "DeleteObjectResponse"})
		}
		assert.Nil(t, next(t, e, sc, nil))
	})
}

func TestTags(t *testing.T) {
	sc := newTestSession(t)
	e := newEvaluator()

	AddProvisions(sc, types.DefaultChannel, [][]any{{"tag", "vip", true}})
	assert.Nil(t, next(t, e, sc, nil))
	assert.Equal(t, "true", sc.Tree().Get("Tags.vip").Value.Value)

	ClearProvisions(sc)
	AddProvisions(sc, types.DefaultChannel, [][]any{{"tag", "vip", false}})
	assert.Nil(t, next(t, e, sc, nil))
	assert.Nil(t, sc.Tree().Get("Tags.vip"))
}

func TestReboot(t *testing.T) {
	sc := newTestSession(t)
	e := newEvaluator()
	AddProvisions(sc, types.DefaultChannel, [][]any{{"reboot"}})

	req := next(t, e, sc, nil)
	require.NotNil(t, req)
	assert.Equal(t, "Reboot", req.Name)
	assert.Equal(t, testTimestamp, req.Stamp)
	respond(t, sc, &types.CPEResponse{Name: "RebootResponse"})

	assert.Nil(t, next(t, e, sc, nil))
}

func TestDownload(t *testing.T) {
	snap := &types.Snapshot{
		Revision: "r1",
		Files:    map[string]*types.File{"fw.bin": {ID: "fw.bin", FileType: "1 Firmware Upgrade Image", URL: "http://files/fw.bin", Size: 2048}},
	}

	t.Run("missing file", func(t *testing.T) {
		sc := newTestSession(t)
		AddProvisions(sc, types.DefaultChannel, [][]any{{"download", "1 Firmware Upgrade Image", "nope.bin"}})

		fault, req, err := newEvaluator().RPCRequest(context.Background(), sc, snap, nil)
		require.NoError(t, err)
		assert.Nil(t, req)
		require.NotNil(t, fault)
		assert.Equal(t, "download.FileNotFound", fault.Code)
	})

	t.Run("asynchronous completion", func(t *testing.T) {
		sc := newTestSession(t)
		e := newEvaluator()
		AddProvisions(sc, "task_1", [][]any{{"download", "1 Firmware Upgrade Image", "fw.bin"}})

		req := next(t, e, sc, snap)
		require.NotNil(t, req)
		assert.Equal(t, "Download", req.Name)
		assert.Equal(t, "http://files/fw.bin", req.URL)
		assert.Equal(t, int64(2048), req.FileSize)
		require.NotNil(t, req.Download)
		assert.Equal(t, "fw.bin", req.Download.FileName)
		commandKey := req.CommandKey

		respond(t, sc, &types.CPEResponse{Name: "DownloadResponse", Status: 1})
		require.Contains(t, sc.Operations, commandKey)
		assert.Equal(t, types.NewProvisionSet(0), sc.Operations[commandKey].Channels["task_1"])
		assert.Nil(t, next(t, e, sc, snap))

		op, fault := TransferComplete(sc, &types.TransferCompleteRequest{CommandKey: commandKey})
		require.NotNil(t, op)
		assert.Nil(t, fault)
		assert.NotContains(t, sc.Operations, commandKey)
		assert.True(t, sc.OpsTouched[commandKey])
		key := DownloadKey("1 Firmware Upgrade Image", "fw.bin")
		assert.NotNil(t, sc.Tree().Get("Downloads."+key+".LastDownload"))
	})

	t.Run("failed transfer", func(t *testing.T) {
		sc := newTestSession(t)
		sc.Operations["k"] = &types.Operation{Name: "Download", Timestamp: testTimestamp, Channels: map[string]types.ProvisionSet{"p": types.NewProvisionSet(0)}}

		op, fault := TransferComplete(sc, &types.TransferCompleteRequest{
			CommandKey: "k",
			Fault:      &types.CPEFault{FaultCode: "9010", FaultString: "Download failure"},
		})
		require.NotNil(t, op)
		require.NotNil(t, fault)
		assert.Equal(t, "cwmp.9010", fault.Code)
	})

	t.Run("unknown command key", func(t *testing.T) {
		sc := newTestSession(t)
		op, fault := TransferComplete(sc, &types.TransferCompleteRequest{CommandKey: "nope"})
		assert.Nil(t, op)
		assert.Nil(t, fault)
	})
}

func TestScriptProvisionAcrossCommits(t *testing.T) {
	sc := newTestSession(t)
	e := newEvaluator()
	snap := &types.Snapshot{Revision: "r1", Provisions: map[string]string{
		"upgrade-interval": `
			local v = declare("Device.DeviceInfo.SoftwareVersion", {value = 1})
			if v.value[1] == "1.0" then
				declare("Device.ManagementServer.PeriodicInformInterval", nil, {value = args[1]})
			end
		`,
	}}
	AddProvisions(sc, types.DefaultChannel, [][]any{{"upgrade-interval", 900}})

	req := next(t, e, sc, snap)
	require.NotNil(t, req)
	assert.Equal(t, "SetParameterValues", req.Name)
	assert.Equal(t, "900", req.ParameterList[0].Value)
	assert.Equal(t, []int{1}, sc.ProvisionRevisions)
}

func TestVirtualParameter(t *testing.T) {
	sc := newTestSession(t)
	e := newEvaluator()
	snap := &types.Snapshot{Revision: "r1", VirtualParameters: map[string]string{
		"Firmware": `
			local v = declare("Device.DeviceInfo.SoftwareVersion", {value = 1})
			return {value = {"fw-" .. v.value[1], "xsd:string"}, writable = false}
		`,
	}}
	AddProvisions(sc, types.DefaultChannel, [][]any{{"refresh", "VirtualParameters.Firmware"}})

	assert.Nil(t, next(t, e, sc, snap))
	param := sc.Tree().Get("VirtualParameters.Firmware")
	require.NotNil(t, param)
	assert.Equal(t, "fw-1.0", param.Value.Value)
	assert.False(t, param.Writable.Value)
	assert.Empty(t, sc.VirtualRevisions)
}

func TestTooManyCommits(t *testing.T) {
	sc := newTestSession(t)
	snap := &types.Snapshot{
		Revision:   "r1",
		Provisions: map[string]string{"spin": `while true do declare("Tags.x"); commit() end`},
		Config:     map[string]string{"cwmp.maxCommitIterations": "3"},
	}
	AddProvisions(sc, types.DefaultChannel, [][]any{{"spin"}})

	fault, req, err := newEvaluator().RPCRequest(context.Background(), sc, snap, nil)
	require.NoError(t, err)
	assert.Nil(t, req)
	require.NotNil(t, fault)
	assert.Equal(t, "too_many_commits", fault.Code)
}

func TestTooManyRPCs(t *testing.T) {
	sc := newTestSession(t)
	sc.RPCCount = 2
	snap := &types.Snapshot{Revision: "r1", Config: map[string]string{"cwmp.maxRpcCount": "2"}}
	AddProvisions(sc, types.DefaultChannel, [][]any{{"reboot"}})

	fault, _, err := newEvaluator().RPCRequest(context.Background(), sc, snap, nil)
	require.NoError(t, err)
	require.NotNil(t, fault)
	assert.Equal(t, "too_many_rpcs", fault.Code)
}

func TestProvisionFaults(t *testing.T) {
	tests := []struct {
		name      string
		provision []any
		code      string
	}{
		{name: "missing provision", provision: []any{"nope"}, code: "missing_provision"},
		{name: "bad arguments", provision: []any{"refresh"}, code: "invalid_arguments"},
		{name: "script error", provision: []any{"broken"}, code: "script.Error"},
	}

	snap := &types.Snapshot{Revision: "r1", Provisions: map[string]string{"broken": `error("bad")`}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newTestSession(t)
			AddProvisions(sc, types.DefaultChannel, [][]any{tt.provision})

			fault, _, err := newEvaluator().RPCRequest(context.Background(), sc, snap, nil)
			require.NoError(t, err)
			require.NotNil(t, fault)
			assert.Equal(t, tt.code, fault.Code)
		})
	}
}

func TestRPCResponseMismatch(t *testing.T) {
	sc := newTestSession(t)

	err := RPCResponse(sc, "1", &types.CPEResponse{Name: "RebootResponse"})
	assert.ErrorIs(t, err, ErrUnexpectedResponse)

	sc.RPCRequest = &types.ACSRequest{ID: "1", Name: "Reboot"}
	assert.ErrorIs(t, RPCResponse(sc, "2", &types.CPEResponse{Name: "RebootResponse"}), ErrUnexpectedResponse)
	assert.ErrorIs(t, RPCResponse(sc, "1", &types.CPEResponse{Name: "FactoryResetResponse"}), ErrUnexpectedResponse)
	assert.NoError(t, RPCResponse(sc, "1", &types.CPEResponse{Name: "RebootResponse"}))
}

func TestRPCFault(t *testing.T) {
	sc := newTestSession(t)
	sc.RPCRequest = &types.ACSRequest{ID: "1", Name: "SetParameterValues"}

	fault := RPCFault(sc, "1", &types.CPEFault{
		FaultCode:   "9003",
		FaultString: "Invalid arguments",
		SPVFaults:   []types.SetParameterValuesFault{{ParameterName: "Device.X", FaultCode: "9007"}},
	})
	assert.Equal(t, "cwmp.9003", fault.Code)
	assert.Equal(t, "Invalid arguments", fault.Message)
	assert.Equal(t, testTimestamp, fault.Timestamp)
	assert.Nil(t, sc.RPCRequest)
}

func TestTimeoutOperations(t *testing.T) {
	sc := newTestSession(t)
	sc.Operations["old"] = &types.Operation{Name: "Download", Timestamp: testTimestamp - 2*time.Hour.Milliseconds()}
	sc.Operations["new"] = &types.Operation{Name: "Download", Timestamp: testTimestamp - time.Minute.Milliseconds()}

	expired := TimeoutOperations(sc, time.Hour)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].CommandKey)
	assert.Equal(t, "timeout", expired[0].Fault.Code)
	assert.Contains(t, sc.Operations, "new")
	assert.NotContains(t, sc.Operations, "old")
	assert.True(t, sc.OpsTouched["old"])
}

func TestPreconditions(t *testing.T) {
	sc := newTestSession(t)
	tree := sc.Tree()

	tests := []struct {
		name     string
		conds    []types.Condition
		expected bool
	}{
		{name: "equal", conds: []types.Condition{{Path: "Device.DeviceInfo.SoftwareVersion", Op: "=", Value: "1.0"}}, expected: true},
		{name: "not equal", conds: []types.Condition{{Path: "Device.DeviceInfo.SoftwareVersion", Op: "<>", Value: "1.0"}}, expected: false},
		{name: "numeric", conds: []types.Condition{{Path: "Device.ManagementServer.PeriodicInformInterval", Op: ">=", Value: 300}}, expected: true},
		{name: "numeric below", conds: []types.Condition{{Path: "Device.ManagementServer.PeriodicInformInterval", Op: "<", Value: 100}}, expected: false},
		{name: "exists", conds: []types.Condition{{Path: "DeviceID.SerialNumber", Op: "exists"}}, expected: true},
		{name: "absent", conds: []types.Condition{{Path: "Tags.vip", Op: "exists", Value: false}}, expected: true},
		{name: "all must hold", conds: []types.Condition{
			{Path: "DeviceID.ProductClass", Op: "=", Value: "Router"},
			{Path: "Tags.vip", Op: "exists"},
		}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, MatchConditions(tree, tt.conds))
		})
	}

	decs := PreconditionDeclarations([]types.Condition{
		{Path: "Device.X", Op: "="},
		{Path: "Device.X", Op: ">"},
		{Path: "Device.Y", Op: "exists"},
	})
	require.Len(t, decs, 2)
	assert.Equal(t, int64(1), decs[0].AttrGet["value"])
	assert.Nil(t, decs[1].AttrGet)
}

func TestSerializeRoundTrip(t *testing.T) {
	sc := newTestSession(t)
	AddProvisions(sc, "p", [][]any{{"refresh", "Device.WiFi", 60}})
	sc.RPCRequest = &types.ACSRequest{ID: "1", Name: "GetParameterNames", ParameterPath: "Device."}

	data, err := Serialize(sc)
	require.NoError(t, err)
	restored, err := Deserialize(data)
	require.NoError(t, err)

	assert.Equal(t, sc.SessionID, restored.SessionID)
	assert.Equal(t, sc.Channels, restored.Channels)
	assert.Equal(t, sc.RPCRequest, restored.RPCRequest)
	assert.Equal(t, "1.0", restored.Tree().Get("Device.DeviceInfo.SoftwareVersion").Value.Value)

	_, err = Deserialize([]byte(`{"sessionId":"x","state":1}`))
	assert.Error(t, err)
}
