package soap

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/cuemby/acs/pkg/types"
)

// ErrMalformed is returned for bodies that are not a CWMP SOAP envelope
var ErrMalformed = errors.New("malformed SOAP message")

const namespacePrefix = "urn:dslforum-org:cwmp-"

type envelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Header  struct {
		ID *struct {
			XMLName xml.Name
			Value   string `xml:",chardata"`
		} `xml:"ID"`
	} `xml:"Header"`
	Body body `xml:"Body"`
}

// probe finds the method element of the body
type probe struct {
	Body struct {
		Elements []struct {
			XMLName xml.Name
		} `xml:",any"`
	} `xml:"Body"`
}

type body struct {
	Inform                     *informXML           `xml:"Inform"`
	TransferComplete           *transferCompleteXML `xml:"TransferComplete"`
	GetRPCMethods              *struct{}            `xml:"GetRPCMethods"`
	GetParameterNamesResponse  *gpnResponseXML      `xml:"GetParameterNamesResponse"`
	GetParameterValuesResponse *gpvResponseXML      `xml:"GetParameterValuesResponse"`
	SetParameterValuesResponse *statusXML           `xml:"SetParameterValuesResponse"`
	AddObjectResponse          *statusXML           `xml:"AddObjectResponse"`
	DeleteObjectResponse       *statusXML           `xml:"DeleteObjectResponse"`
	RebootResponse             *struct{}            `xml:"RebootResponse"`
	FactoryResetResponse       *struct{}            `xml:"FactoryResetResponse"`
	DownloadResponse           *statusXML           `xml:"DownloadResponse"`
	Fault                      *faultXML            `xml:"Fault"`
}

type valueXML struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type parameterValueXML struct {
	Name  string   `xml:"Name"`
	Value valueXML `xml:"Value"`
}

type informXML struct {
	DeviceID struct {
		Manufacturer string `xml:"Manufacturer"`
		OUI          string `xml:"OUI"`
		ProductClass string `xml:"ProductClass"`
		SerialNumber string `xml:"SerialNumber"`
	} `xml:"DeviceId"`
	Events []struct {
		EventCode  string `xml:"EventCode"`
		CommandKey string `xml:"CommandKey"`
	} `xml:"Event>EventStruct"`
	MaxEnvelopes  int                 `xml:"MaxEnvelopes"`
	CurrentTime   string              `xml:"CurrentTime"`
	RetryCount    int                 `xml:"RetryCount"`
	ParameterList []parameterValueXML `xml:"ParameterList>ParameterValueStruct"`
}

type cwmpFaultXML struct {
	FaultCode               string `xml:"FaultCode"`
	FaultString             string `xml:"FaultString"`
	SetParameterValuesFault []struct {
		ParameterName string `xml:"ParameterName"`
		FaultCode     string `xml:"FaultCode"`
		FaultString   string `xml:"FaultString"`
	} `xml:"SetParameterValuesFault"`
}

type transferCompleteXML struct {
	CommandKey   string        `xml:"CommandKey"`
	FaultStruct  *cwmpFaultXML `xml:"FaultStruct"`
	StartTime    string        `xml:"StartTime"`
	CompleteTime string        `xml:"CompleteTime"`
}

type gpnResponseXML struct {
	ParameterList []struct {
		Name     string `xml:"Name"`
		Writable string `xml:"Writable"`
	} `xml:"ParameterList>ParameterInfoStruct"`
}

type gpvResponseXML struct {
	ParameterList []parameterValueXML `xml:"ParameterList>ParameterValueStruct"`
}

type statusXML struct {
	Status         int    `xml:"Status"`
	InstanceNumber int64  `xml:"InstanceNumber"`
	StartTime      string `xml:"StartTime"`
	CompleteTime   string `xml:"CompleteTime"`
}

type faultXML struct {
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
	Detail      struct {
		Fault *cwmpFaultXML `xml:"Fault"`
	} `xml:"detail"`
}

// Parse decodes a CPE request body. An empty body yields a message with an
// empty Method.
func Parse(data []byte) (*types.CPEMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return &types.CPEMessage{}, nil
	}

	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p probe
	if err := xml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(p.Body.Elements) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}

	method := p.Body.Elements[0].XMLName
	msg := &types.CPEMessage{Method: method.Local}
	if env.Header.ID != nil {
		msg.ID = strings.TrimSpace(env.Header.ID.Value)
		msg.CWMPVersion = version(env.Header.ID.XMLName.Space)
	}
	if msg.CWMPVersion == "" {
		msg.CWMPVersion = version(method.Space)
	}

	b := env.Body
	switch {
	case b.Inform != nil:
		msg.Inform = parseInform(b.Inform)
	case b.TransferComplete != nil:
		tc := b.TransferComplete
		msg.TransferComplete = &types.TransferCompleteRequest{
			CommandKey:   tc.CommandKey,
			StartTime:    tc.StartTime,
			CompleteTime: tc.CompleteTime,
		}
		// a zero fault code means success
		if f := tc.FaultStruct; f != nil && f.FaultCode != "" && f.FaultCode != "0" {
			msg.TransferComplete.Fault = parseCWMPFault(f)
		}
	case b.GetRPCMethods != nil:
	case b.GetParameterNamesResponse != nil:
		res := &types.CPEResponse{Name: method.Local}
		for _, p := range b.GetParameterNamesResponse.ParameterList {
			w := strings.TrimSpace(p.Writable)
			res.ParameterNames = append(res.ParameterNames, types.ParameterInfo{
				Name:     strings.TrimSpace(p.Name),
				Writable: w == "1" || w == "true",
			})
		}
		msg.Response = res
	case b.GetParameterValuesResponse != nil:
		msg.Response = &types.CPEResponse{
			Name:          method.Local,
			ParameterList: parameterValues(b.GetParameterValuesResponse.ParameterList),
		}
	case b.SetParameterValuesResponse != nil:
		msg.Response = statusResponse(method.Local, b.SetParameterValuesResponse)
	case b.AddObjectResponse != nil:
		msg.Response = statusResponse(method.Local, b.AddObjectResponse)
	case b.DeleteObjectResponse != nil:
		msg.Response = statusResponse(method.Local, b.DeleteObjectResponse)
	case b.DownloadResponse != nil:
		msg.Response = statusResponse(method.Local, b.DownloadResponse)
	case b.RebootResponse != nil, b.FactoryResetResponse != nil:
		msg.Response = &types.CPEResponse{Name: method.Local}
	case b.Fault != nil:
		msg.Method = "Fault"
		if b.Fault.Detail.Fault != nil {
			msg.Fault = parseCWMPFault(b.Fault.Detail.Fault)
		} else {
			msg.Fault = &types.CPEFault{FaultCode: b.Fault.FaultCode, FaultString: b.Fault.FaultString}
		}
	default:
		return nil, fmt.Errorf("%w: unsupported method %s", ErrMalformed, method.Local)
	}
	return msg, nil
}

func version(namespace string) string {
	if !strings.HasPrefix(namespace, namespacePrefix) {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(namespace, namespacePrefix), "-", ".")
}

func parseInform(in *informXML) *types.InformRequest {
	req := &types.InformRequest{
		DeviceID: types.DeviceIDStruct{
			Manufacturer: strings.TrimSpace(in.DeviceID.Manufacturer),
			OUI:          strings.TrimSpace(in.DeviceID.OUI),
			ProductClass: strings.TrimSpace(in.DeviceID.ProductClass),
			SerialNumber: strings.TrimSpace(in.DeviceID.SerialNumber),
		},
		MaxEnvelopes:  in.MaxEnvelopes,
		CurrentTime:   strings.TrimSpace(in.CurrentTime),
		RetryCount:    in.RetryCount,
		ParameterList: parameterValues(in.ParameterList),
	}
	for _, e := range in.Events {
		req.Events = append(req.Events, strings.TrimSpace(e.EventCode))
	}
	return req
}

func parameterValues(in []parameterValueXML) []types.ParameterValue {
	out := make([]types.ParameterValue, 0, len(in))
	for _, p := range in {
		typ := p.Value.Type
		if i := strings.IndexByte(typ, ':'); i >= 0 {
			typ = "xsd:" + typ[i+1:]
		} else if typ == "" {
			typ = "xsd:string"
		}
		out = append(out, types.ParameterValue{
			Name:  strings.TrimSpace(p.Name),
			Value: p.Value.Value,
			Type:  typ,
		})
	}
	return out
}

func statusResponse(name string, s *statusXML) *types.CPEResponse {
	return &types.CPEResponse{
		Name:           name,
		Status:         s.Status,
		InstanceNumber: s.InstanceNumber,
		StartTime:      strings.TrimSpace(s.StartTime),
		CompleteTime:   strings.TrimSpace(s.CompleteTime),
	}
}

func parseCWMPFault(f *cwmpFaultXML) *types.CPEFault {
	out := &types.CPEFault{
		FaultCode:   strings.TrimSpace(f.FaultCode),
		FaultString: strings.TrimSpace(f.FaultString),
	}
	for _, s := range f.SetParameterValuesFault {
		out.SPVFaults = append(out.SPVFaults, types.SetParameterValuesFault{
			ParameterName: strings.TrimSpace(s.ParameterName),
			FaultCode:     strings.TrimSpace(s.FaultCode),
			FaultString:   strings.TrimSpace(s.FaultString),
		})
	}
	return out
}
