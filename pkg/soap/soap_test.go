package soap

import (
	"encoding/xml"
	"net/http"
	"strings"
	"testing"

	"github.com/cuemby/acs/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wrap(ns, id, body string) []byte {
	return []byte(`<?xml version="1.0" encoding="UTF-8"?>
<soap-env:Envelope xmlns:soap-env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:xsd="http://www.w3.org/2001/XMLSchema" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:cwmp="` + ns + `">
<soap-env:Header><cwmp:ID soap-env:mustUnderstand="1">` + id + `</cwmp:ID></soap-env:Header>
<soap-env:Body>` + body + `</soap-env:Body>
</soap-env:Envelope>`)
}

const informBody = `<cwmp:Inform>
<DeviceId><Manufacturer>Acme</Manufacturer><OUI>001122</OUI><ProductClass>Router</ProductClass><SerialNumber>SN1</SerialNumber></DeviceId>
<Event><EventStruct><EventCode>0 BOOTSTRAP</EventCode><CommandKey></CommandKey></EventStruct><EventStruct><EventCode>1 BOOT</EventCode><CommandKey></CommandKey></EventStruct></Event>
<MaxEnvelopes>1</MaxEnvelopes><CurrentTime>2024-01-01T00:00:00Z</CurrentTime><RetryCount>2</RetryCount>
<ParameterList>
<ParameterValueStruct><Name>Device.DeviceInfo.SoftwareVersion</Name><Value xsi:type="xsd:string">1.0.3</Value></ParameterValueStruct>
<ParameterValueStruct><Name>Device.ManagementServer.PeriodicInformInterval</Name><Value xsi:type="xsd:unsignedInt">300</Value></ParameterValueStruct>
</ParameterList>
</cwmp:Inform>`

func TestParseInform(t *testing.T) {
	msg, err := Parse(wrap("urn:dslforum-org:cwmp-1-2", "42", informBody))
	require.NoError(t, err)

	assert.Equal(t, "Inform", msg.Method)
	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, "1.2", msg.CWMPVersion)
	require.NotNil(t, msg.Inform)
	assert.Equal(t, types.DeviceIDStruct{Manufacturer: "Acme", OUI: "001122", ProductClass: "Router", SerialNumber: "SN1"}, msg.Inform.DeviceID)
	assert.Equal(t, []string{"0 BOOTSTRAP", "1 BOOT"}, msg.Inform.Events)
	assert.Equal(t, 2, msg.Inform.RetryCount)
	assert.Equal(t, []types.ParameterValue{
		{Name: "Device.DeviceInfo.SoftwareVersion", Value: "1.0.3", Type: "xsd:string"},
		{Name: "Device.ManagementServer.PeriodicInformInterval", Value: "300", Type: "xsd:unsignedInt"},
	}, msg.Inform.ParameterList)
}

func TestParseResponses(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected *types.CPEResponse
	}{
		{
			name: "GetParameterNamesResponse",
			body: `<cwmp:GetParameterNamesResponse><ParameterList>
<ParameterInfoStruct><Name>Device.WiFi.</Name><Writable>0</Writable></ParameterInfoStruct>
<ParameterInfoStruct><Name>Device.WiFi.Enable</Name><Writable>true</Writable></ParameterInfoStruct>
</ParameterList></cwmp:GetParameterNamesResponse>`,
			expected: &types.CPEResponse{Name: "GetParameterNamesResponse", ParameterNames: []types.ParameterInfo{
				{Name: "Device.WiFi.", Writable: false},
				{Name: "Device.WiFi.Enable", Writable: true},
			}},
		},
		{
			name: "GetParameterValuesResponse",
			body: `<cwmp:GetParameterValuesResponse><ParameterList>
<ParameterValueStruct><Name>Device.WiFi.Enable</Name><Value xsi:type="xsd:boolean">1</Value></ParameterValueStruct>
</ParameterList></cwmp:GetParameterValuesResponse>`,
			expected: &types.CPEResponse{Name: "GetParameterValuesResponse", ParameterList: []types.ParameterValue{
				{Name: "Device.WiFi.Enable", Value: "1", Type: "xsd:boolean"},
			}},
		},
		{
			name:     "SetParameterValuesResponse",
			body:     `<cwmp:SetParameterValuesResponse><Status>1</Status></cwmp:SetParameterValuesResponse>`,
			expected: &types.CPEResponse{Name: "SetParameterValuesResponse", Status: 1},
		},
		{
			name:     "AddObjectResponse",
			body:     `<cwmp:AddObjectResponse><InstanceNumber>3</InstanceNumber><Status>0</Status></cwmp:AddObjectResponse>`,
			expected: &types.CPEResponse{Name: "AddObjectResponse", InstanceNumber: 3},
		},
		{
			name:     "DownloadResponse",
			body:     `<cwmp:DownloadResponse><Status>1</Status><StartTime>0001-01-01T00:00:00Z</StartTime><CompleteTime>0001-01-01T00:00:00Z</CompleteTime></cwmp:DownloadResponse>`,
			expected: &types.CPEResponse{Name: "DownloadResponse", Status: 1, StartTime: "0001-01-01T00:00:00Z", CompleteTime: "0001-01-01T00:00:00Z"},
		},
		{
			name:     "RebootResponse",
			body:     `<cwmp:RebootResponse/>`,
			expected: &types.CPEResponse{Name: "RebootResponse"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse(wrap("urn:dslforum-org:cwmp-1-0", "7", tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.name, msg.Method)
			assert.Equal(t, "1.0", msg.CWMPVersion)
			assert.Equal(t, tt.expected, msg.Response)
		})
	}
}

func TestParseFault(t *testing.T) {
	body := `<soap-env:Fault><faultcode>Client</faultcode><faultstring>CWMP fault</faultstring>
<detail><cwmp:Fault><FaultCode>9003</FaultCode><FaultString>Invalid arguments</FaultString>
<SetParameterValuesFault><ParameterName>Device.WiFi.SSID</ParameterName><FaultCode>9007</FaultCode><FaultString>Invalid value</FaultString></SetParameterValuesFault>
</cwmp:Fault></detail></soap-env:Fault>`

	msg, err := Parse(wrap("urn:dslforum-org:cwmp-1-0", "8", body))
	require.NoError(t, err)
	assert.Equal(t, "Fault", msg.Method)
	require.NotNil(t, msg.Fault)
	assert.Equal(t, "9003", msg.Fault.FaultCode)
	assert.Equal(t, "Invalid arguments", msg.Fault.FaultString)
	assert.Equal(t, []types.SetParameterValuesFault{
		{ParameterName: "Device.WiFi.SSID", FaultCode: "9007", FaultString: "Invalid value"},
	}, msg.Fault.SPVFaults)
}

func TestParseTransferComplete(t *testing.T) {
	tests := []struct {
		name  string
		fault string
		code  string
	}{
		{name: "success", fault: `<FaultStruct><FaultCode>0</FaultCode><FaultString></FaultString></FaultStruct>`},
		{name: "failure", fault: `<FaultStruct><FaultCode>9010</FaultCode><FaultString>Download failed</FaultString></FaultStruct>`, code: "9010"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := `<cwmp:TransferComplete><CommandKey>abc</CommandKey>` + tt.fault +
				`<StartTime>2024-01-01T00:00:00Z</StartTime><CompleteTime>2024-01-01T00:01:00Z</CompleteTime></cwmp:TransferComplete>`
			msg, err := Parse(wrap("urn:dslforum-org:cwmp-1-0", "9", body))
			require.NoError(t, err)
			require.NotNil(t, msg.TransferComplete)
			assert.Equal(t, "abc", msg.TransferComplete.CommandKey)
			if tt.code == "" {
				assert.Nil(t, msg.TransferComplete.Fault)
			} else {
				require.NotNil(t, msg.TransferComplete.Fault)
				assert.Equal(t, tt.code, msg.TransferComplete.Fault.FaultCode)
			}
		})
	}
}

func TestParseEmptyAndMalformed(t *testing.T) {
	msg, err := Parse([]byte("  \n"))
	require.NoError(t, err)
	assert.Empty(t, msg.Method)

	tests := []struct {
		name string
		body []byte
	}{
		{name: "not xml", body: []byte("hello")},
		{name: "truncated", body: []byte("<soap-env:Envelope><soap-env:Body>")},
		{name: "empty body", body: wrap("urn:dslforum-org:cwmp-1-0", "1", "")},
		{name: "unsupported method", body: wrap("urn:dslforum-org:cwmp-1-0", "1", "<cwmp:Kicked/>")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.body)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestRenderEmpty(t *testing.T) {
	res, err := Render(nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Empty(t, res.Body)
}

func TestRenderRequests(t *testing.T) {
	tests := []struct {
		name     string
		msg      *types.ACSMessage
		contains []string
	}{
		{
			name:     "InformResponse",
			msg:      &types.ACSMessage{ID: "1", Name: "InformResponse"},
			contains: []string{"<cwmp:InformResponse><MaxEnvelopes>1</MaxEnvelopes></cwmp:InformResponse>"},
		},
		{
			name: "GetParameterValues",
			msg: &types.ACSMessage{ID: "2", Name: "GetParameterValues", Request: &types.ACSRequest{
				Name: "GetParameterValues", ParameterNames: []string{"Device.WiFi.SSID", "Device.WiFi.Enable"},
			}},
			contains: []string{
				`<ParameterNames soap-enc:arrayType="xsd:string[2]"><string>Device.WiFi.SSID</string><string>Device.WiFi.Enable</string></ParameterNames>`,
			},
		},
		{
			name: "SetParameterValues",
			msg: &types.ACSMessage{ID: "3", Name: "SetParameterValues", Request: &types.ACSRequest{
				Name:          "SetParameterValues",
				ParameterList: []types.ParameterValue{{Name: "Device.WiFi.SSID", Value: "home & away", Type: "xsd:string"}},
			}},
			contains: []string{
				`<Name>Device.WiFi.SSID</Name><Value xsi:type="xsd:string">home &amp; away</Value>`,
				`cwmp:ParameterValueStruct[1]`,
			},
		},
		{
			name: "AddObject",
			msg: &types.ACSMessage{ID: "4", Name: "AddObject", Request: &types.ACSRequest{
				Name: "AddObject", ObjectName: "Device.NAT.PortMapping.",
			}},
			contains: []string{"<cwmp:AddObject><ObjectName>Device.NAT.PortMapping.</ObjectName>"},
		},
		{
			name: "Download",
			msg: &types.ACSMessage{ID: "5", Name: "Download", Request: &types.ACSRequest{
				Name: "Download", CommandKey: "k1", FileType: "1 Firmware Upgrade Image", URL: "http://files/fw.bin", FileSize: 1024,
			}},
			contains: []string{"<CommandKey>k1</CommandKey>", "<URL>http://files/fw.bin</URL>", "<FileSize>1024</FileSize>"},
		},
		{
			name:     "version 1.2 namespace",
			msg:      &types.ACSMessage{ID: "6", CWMPVersion: "1.2", Name: "Reboot", Request: &types.ACSRequest{Name: "Reboot", CommandKey: "r"}},
			contains: []string{`xmlns:cwmp="urn:dslforum-org:cwmp-1-2"`, "<cwmp:Reboot><CommandKey>r</CommandKey></cwmp:Reboot>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Render(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, res.Code)
			assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/xml"))

			body := string(res.Body)
			assert.Contains(t, body, `<cwmp:ID soap-env:mustUnderstand="1">`+tt.msg.ID+`</cwmp:ID>`)
			for _, s := range tt.contains {
				assert.Contains(t, body, s)
			}

			var doc struct{ XMLName xml.Name }
			require.NoError(t, xml.Unmarshal(res.Body, &doc))
			assert.Equal(t, "Envelope", doc.XMLName.Local)
		})
	}
}

func TestRenderUnsupported(t *testing.T) {
	_, err := Render(&types.ACSMessage{Name: "Upload", Request: &types.ACSRequest{Name: "Upload"}})
	assert.Error(t, err)
}
