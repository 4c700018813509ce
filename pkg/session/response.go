package session

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/acs/pkg/devicedata"
	"github.com/cuemby/acs/pkg/types"
)

// RPCResponse applies the CPE's answer to the outstanding request
func RPCResponse(sc *types.SessionContext, id string, res *types.CPEResponse) error {
	req := sc.RPCRequest
	if req == nil {
		return fmt.Errorf("%w: no request outstanding", ErrUnexpectedResponse)
	}
	if id != "" && id != req.ID {
		return fmt.Errorf("%w: id %s does not match %s", ErrUnexpectedResponse, id, req.ID)
	}
	if res.Name != req.Name+"Response" {
		return fmt.Errorf("%w: %s does not answer %s", ErrUnexpectedResponse, res.Name, req.Name)
	}
	sc.RPCRequest = nil

	tree := sc.Tree()
	ts := sc.Timestamp
	switch req.Name {
	case "GetParameterNames":
		applyParameterNames(tree, req, res.ParameterNames, ts)

	case "GetParameterValues":
		for _, p := range res.ParameterList {
			tree.SetValue(p.Name, p.Value, p.Type, ts)
		}

	case "SetParameterValues":
		for _, p := range req.ParameterList {
			tree.SetValue(p.Name, p.Value, p.Type, ts)
		}

	case "AddObject":
		path := strings.TrimSuffix(req.ObjectName, ".") + "." + strconv.FormatInt(res.InstanceNumber, 10)
		tree.SetExists(path, ts)
		tree.SetObject(path, true, ts)

	case "DeleteObject":
		tree.Delete(strings.TrimSuffix(req.ObjectName, "."))

	case "Reboot", "FactoryReset":
		setStamp(tree, req.Name, req.Stamp, ts)

	case "Download":
		base := RootDownloads + "." + req.Download.Key
		setStamp(tree, base+".Download", req.Stamp, ts)
		if res.Status == 0 {
			setStamp(tree, base+".LastDownload", ts, ts)
			break
		}
		sc.Operations[req.CommandKey] = &types.Operation{
			Name:       "Download",
			Timestamp:  ts,
			Channels:   maps.Clone(sc.Channels),
			Provisions: slices.Clone(sc.Provisions),
			Args:       req.Download,
		}
		sc.OpsTouched[req.CommandKey] = true
	}
	return nil
}

func setStamp(tree *devicedata.Tree, path string, stamp, ts int64) {
	value, typ := devicedata.Format(stamp, devicedata.TypeDateTime)
	tree.SetValue(path, value, typ, ts)
}

// applyParameterNames records a GetParameterNames result and removes the
// paths the device no longer reports
func applyParameterNames(tree *devicedata.Tree, req *types.ACSRequest, infos []types.ParameterInfo, ts int64) {
	base := strings.TrimSuffix(req.ParameterPath, ".")
	returned := make(map[string]bool, len(infos))
	for _, info := range infos {
		isObject := strings.HasSuffix(info.Name, ".")
		path := strings.TrimSuffix(info.Name, ".")
		if path == "" {
			continue
		}
		returned[path] = true
		tree.SetExists(path, ts)
		tree.SetObject(path, isObject, ts)
		tree.SetWritable(path, info.Writable, ts)
		if isObject && !req.NextLevel {
			tree.SetDiscovered(path, ts)
		}
	}

	var known []string
	if req.NextLevel {
		known = tree.Children(base)
	} else {
		known = tree.Subtree(base)
	}
	for _, k := range known {
		if k == base || returned[k] || (base == "" && IsLocal(k)) {
			continue
		}
		if tree.Get(k) != nil {
			tree.Delete(k)
		}
	}
	tree.SetDiscovered(base, ts)
}

// RPCFault converts a CPE SOAP fault for the outstanding request into a
// session fault
func RPCFault(sc *types.SessionContext, id string, f *types.CPEFault) *types.Fault {
	req := sc.RPCRequest
	sc.RPCRequest = nil

	detail := map[string]any{
		"faultCode":   f.FaultCode,
		"faultString": f.FaultString,
	}
	if req != nil {
		detail["method"] = req.Name
	}
	if len(f.SPVFaults) > 0 {
		detail["setParameterValuesFault"] = f.SPVFaults
	}
	return &types.Fault{
		Code:      "cwmp." + f.FaultCode,
		Message:   f.FaultString,
		Detail:    detail,
		Timestamp: sc.Timestamp,
	}
}

// TransferComplete settles the operation a TransferComplete refers to. It
// returns the operation, or nil if none is pending under the command key,
// and a fault when the transfer failed.
func TransferComplete(sc *types.SessionContext, tc *types.TransferCompleteRequest) (*types.Operation, *types.Fault) {
	op, ok := sc.Operations[tc.CommandKey]
	if !ok {
		return nil, nil
	}
	delete(sc.Operations, tc.CommandKey)
	sc.OpsTouched[tc.CommandKey] = true

	if tc.Fault != nil {
		return op, &types.Fault{
			Code:    "cwmp." + tc.Fault.FaultCode,
			Message: tc.Fault.FaultString,
			Detail: map[string]any{
				"faultCode":   tc.Fault.FaultCode,
				"faultString": tc.Fault.FaultString,
				"commandKey":  tc.CommandKey,
			},
			Timestamp: sc.Timestamp,
		}
	}
	if op.Args != nil {
		setStamp(sc.Tree(), RootDownloads+"."+op.Args.Key+".LastDownload", sc.Timestamp, sc.Timestamp)
	}
	return op, nil
}

// ExpiredOperation is an operation that timed out with its fault
type ExpiredOperation struct {
	CommandKey string
	Operation  *types.Operation
	Fault      *types.Fault
}

// TimeoutOperations removes operations pending for longer than timeout
func TimeoutOperations(sc *types.SessionContext, timeout time.Duration) []ExpiredOperation {
	var out []ExpiredOperation
	keys := slices.Sorted(maps.Keys(sc.Operations))
	for _, key := range keys {
		op := sc.Operations[key]
		if op.Timestamp+timeout.Milliseconds() > sc.Timestamp {
			continue
		}
		delete(sc.Operations, key)
		sc.OpsTouched[key] = true
		out = append(out, ExpiredOperation{
			CommandKey: key,
			Operation:  op,
			Fault: &types.Fault{
				Code:      "timeout",
				Message:   fmt.Sprintf("%s operation %s timed out", op.Name, key),
				Timestamp: sc.Timestamp,
			},
		})
	}
	return out
}
