package soap

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cuemby/acs/pkg/types"
)

const (
	nsSoapEnv = "http://schemas.xmlsoap.org/soap/envelope/"
	nsSoapEnc = "http://schemas.xmlsoap.org/soap/encoding/"
	nsXSD     = "http://www.w3.org/2001/XMLSchema"
	nsXSI     = "http://www.w3.org/2001/XMLSchema-instance"

	defaultVersion = "1.0"
)

// Response is a rendered HTTP reply to a CPE
type Response struct {
	Code   int
	Header http.Header
	Body   []byte
}

type outEnvelope struct {
	XMLName xml.Name  `xml:"soap-env:Envelope"`
	SoapEnv string    `xml:"xmlns:soap-env,attr"`
	SoapEnc string    `xml:"xmlns:soap-enc,attr"`
	XSD     string    `xml:"xmlns:xsd,attr"`
	XSI     string    `xml:"xmlns:xsi,attr"`
	CWMP    string    `xml:"xmlns:cwmp,attr"`
	Header  outHeader `xml:"soap-env:Header"`
	Body    outBody   `xml:"soap-env:Body"`
}

type outHeader struct {
	ID struct {
		MustUnderstand string `xml:"soap-env:mustUnderstand,attr"`
		Value          string `xml:",chardata"`
	} `xml:"cwmp:ID"`
}

type outBody struct {
	Content any
}

type stringArray struct {
	ArrayType string   `xml:"soap-enc:arrayType,attr"`
	Items     []string `xml:"string"`
}

type outValue struct {
	Type  string `xml:"xsi:type,attr"`
	Value string `xml:",chardata"`
}

type outParameterValue struct {
	Name  string   `xml:"Name"`
	Value outValue `xml:"Value"`
}

type outParameterList struct {
	ArrayType string              `xml:"soap-enc:arrayType,attr"`
	Items     []outParameterValue `xml:"ParameterValueStruct"`
}

type informResponse struct {
	XMLName      xml.Name `xml:"cwmp:InformResponse"`
	MaxEnvelopes int      `xml:"MaxEnvelopes"`
}

type transferCompleteResponse struct {
	XMLName xml.Name `xml:"cwmp:TransferCompleteResponse"`
}

type getRPCMethodsResponse struct {
	XMLName    xml.Name    `xml:"cwmp:GetRPCMethodsResponse"`
	MethodList stringArray `xml:"MethodList"`
}

type getParameterNames struct {
	XMLName       xml.Name `xml:"cwmp:GetParameterNames"`
	ParameterPath string   `xml:"ParameterPath"`
	NextLevel     bool     `xml:"NextLevel"`
}

type getParameterValues struct {
	XMLName        xml.Name    `xml:"cwmp:GetParameterValues"`
	ParameterNames stringArray `xml:"ParameterNames"`
}

type setParameterValues struct {
	XMLName       xml.Name         `xml:"cwmp:SetParameterValues"`
	ParameterList outParameterList `xml:"ParameterList"`
	ParameterKey  string           `xml:"ParameterKey"`
}

type objectRequest struct {
	XMLName      xml.Name
	ObjectName   string `xml:"ObjectName"`
	ParameterKey string `xml:"ParameterKey"`
}

type reboot struct {
	XMLName    xml.Name `xml:"cwmp:Reboot"`
	CommandKey string   `xml:"CommandKey"`
}

type factoryReset struct {
	XMLName xml.Name `xml:"cwmp:FactoryReset"`
}

type download struct {
	XMLName        xml.Name `xml:"cwmp:Download"`
	CommandKey     string   `xml:"CommandKey"`
	FileType       string   `xml:"FileType"`
	URL            string   `xml:"URL"`
	Username       string   `xml:"Username"`
	Password       string   `xml:"Password"`
	FileSize       int64    `xml:"FileSize"`
	TargetFileName string   `xml:"TargetFileName"`
	DelaySeconds   int      `xml:"DelaySeconds"`
	SuccessURL     string   `xml:"SuccessURL"`
	FailureURL     string   `xml:"FailureURL"`
}

type outFault struct {
	XMLName     xml.Name `xml:"soap-env:Fault"`
	FaultCode   string   `xml:"faultcode"`
	FaultString string   `xml:"faultstring"`
	Detail      struct {
		Fault struct {
			FaultCode   string `xml:"FaultCode"`
			FaultString string `xml:"FaultString"`
		} `xml:"cwmp:Fault"`
	} `xml:"detail"`
}

// Render encodes an ACS reply. A nil message or one without a name renders
// the empty 204 reply that ends a session.
func Render(msg *types.ACSMessage) (*Response, error) {
	if msg == nil || (msg.Name == "" && msg.Fault == nil) {
		return &Response{Code: http.StatusNoContent, Header: http.Header{}}, nil
	}

	content, err := bodyContent(msg)
	if err != nil {
		return nil, err
	}

	v := msg.CWMPVersion
	if v == "" {
		v = defaultVersion
	}
	env := outEnvelope{
		SoapEnv: nsSoapEnv,
		SoapEnc: nsSoapEnc,
		XSD:     nsXSD,
		XSI:     nsXSI,
		CWMP:    namespacePrefix + strings.ReplaceAll(v, ".", "-"),
		Body:    outBody{Content: content},
	}
	env.Header.ID.MustUnderstand = "1"
	env.Header.ID.Value = msg.ID

	data, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", msg.Name, err)
	}

	code := http.StatusOK
	if msg.Fault != nil {
		code = http.StatusInternalServerError
	}
	header := http.Header{}
	header.Set("Content-Type", `text/xml; charset="utf-8"`)
	header.Set("SOAPServer", "acs")
	return &Response{
		Code:   code,
		Header: header,
		Body:   append([]byte(xml.Header), data...),
	}, nil
}

func bodyContent(msg *types.ACSMessage) (any, error) {
	if msg.Fault != nil {
		f := outFault{FaultCode: "Server", FaultString: "CWMP fault"}
		f.Detail.Fault.FaultCode = msg.Fault.FaultCode
		f.Detail.Fault.FaultString = msg.Fault.FaultString
		return f, nil
	}

	switch msg.Name {
	case "InformResponse":
		maxEnvelopes := msg.MaxEnvelopes
		if maxEnvelopes == 0 {
			maxEnvelopes = 1
		}
		return informResponse{MaxEnvelopes: maxEnvelopes}, nil
	case "TransferCompleteResponse":
		return transferCompleteResponse{}, nil
	case "GetRPCMethodsResponse":
		return getRPCMethodsResponse{MethodList: stringList(msg.Methods)}, nil
	}

	req := msg.Request
	if req == nil {
		return nil, fmt.Errorf("failed to encode %s: missing request", msg.Name)
	}
	switch req.Name {
	case "GetParameterNames":
		return getParameterNames{ParameterPath: req.ParameterPath, NextLevel: req.NextLevel}, nil
	case "GetParameterValues":
		return getParameterValues{ParameterNames: stringList(req.ParameterNames)}, nil
	case "SetParameterValues":
		list := outParameterList{
			ArrayType: "cwmp:ParameterValueStruct[" + strconv.Itoa(len(req.ParameterList)) + "]",
		}
		for _, p := range req.ParameterList {
			list.Items = append(list.Items, outParameterValue{
				Name:  p.Name,
				Value: outValue{Type: p.Type, Value: p.Value},
			})
		}
		return setParameterValues{ParameterList: list, ParameterKey: req.ParameterKey}, nil
	case "AddObject", "DeleteObject":
		return objectRequest{
			XMLName:      xml.Name{Local: "cwmp:" + req.Name},
			ObjectName:   req.ObjectName,
			ParameterKey: req.ParameterKey,
		}, nil
	case "Reboot":
		return reboot{CommandKey: req.CommandKey}, nil
	case "FactoryReset":
		return factoryReset{}, nil
	case "Download":
		return download{
			CommandKey:     req.CommandKey,
			FileType:       req.FileType,
			URL:            req.URL,
			FileSize:       req.FileSize,
			TargetFileName: req.TargetFileName,
			DelaySeconds:   req.DelaySeconds,
		}, nil
	}
	return nil, fmt.Errorf("failed to encode %s: unsupported request", req.Name)
}

// stringList builds a SOAP string array
func stringList(items []string) stringArray {
	return stringArray{
		ArrayType: "xsd:string[" + strconv.Itoa(len(items)) + "]",
		Items:     items,
	}
}
