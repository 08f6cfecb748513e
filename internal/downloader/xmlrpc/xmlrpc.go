// Package xmlrpc implements the minimal XML-RPC subset spoken by rTorrent and
// NZBGet: strings, ints (int/i4/i8), doubles, booleans, base64, arrays and
// structs. Both dialects share this codec; call signatures differ per adapter.
package xmlrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// Base64 marks a parameter that must be encoded as an XML-RPC <base64> value.
type Base64 []byte

// Fault is an XML-RPC fault response.
type Fault struct {
	Code    int64
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("XML-RPC fault %d: %s", f.Code, f.Message)
}

// Marshal builds a methodCall body. Supported parameter types: string, int,
// int64 (encoded as i8), bool, float64, Base64, []any and map[string]any.
func Marshal(method string, params ...any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?>`)
	buf.WriteString(`<methodCall><methodName>`)
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString(`</methodName>`)

	if len(params) > 0 {
		buf.WriteString(`<params>`)
		for _, p := range params {
			buf.WriteString(`<param>`)
			if err := encodeValue(&buf, p); err != nil {
				return nil, err
			}
			buf.WriteString(`</param>`)
		}
		buf.WriteString(`</params>`)
	}

	buf.WriteString(`</methodCall>`)
	return buf.Bytes(), nil
}

func encodeValue(buf *bytes.Buffer, v any) error {
	buf.WriteString(`<value>`)
	switch val := v.(type) {
	case string:
		buf.WriteString(`<string>`)
		if err := xml.EscapeText(buf, []byte(val)); err != nil {
			return err
		}
		buf.WriteString(`</string>`)
	case int:
		buf.WriteString(`<i4>`)
		buf.WriteString(strconv.Itoa(val))
		buf.WriteString(`</i4>`)
	case int64:
		buf.WriteString(`<i8>`)
		buf.WriteString(strconv.FormatInt(val, 10))
		buf.WriteString(`</i8>`)
	case bool:
		if val {
			buf.WriteString(`<boolean>1</boolean>`)
		} else {
			buf.WriteString(`<boolean>0</boolean>`)
		}
	case float64:
		buf.WriteString(`<double>`)
		buf.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
		buf.WriteString(`</double>`)
	case Base64:
		buf.WriteString(`<base64>`)
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString(`</base64>`)
	case []any:
		buf.WriteString(`<array><data>`)
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString(`</data></array>`)
	case []string:
		buf.WriteString(`<array><data>`)
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString(`</data></array>`)
	case []int:
		buf.WriteString(`<array><data>`)
		for _, item := range val {
			if err := encodeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteString(`</data></array>`)
	case map[string]any:
		buf.WriteString(`<struct>`)
		for name, member := range val {
			buf.WriteString(`<member><name>`)
			if err := xml.EscapeText(buf, []byte(name)); err != nil {
				return err
			}
			buf.WriteString(`</name>`)
			if err := encodeValue(buf, member); err != nil {
				return err
			}
			buf.WriteString(`</member>`)
		}
		buf.WriteString(`</struct>`)
	default:
		return fmt.Errorf("unsupported XML-RPC parameter type %T", v)
	}
	buf.WriteString(`</value>`)
	return nil
}

// Response parsing.

type methodResponse struct {
	Params *responseParams `xml:"params"`
	Fault  *responseFault  `xml:"fault"`
}

type responseParams struct {
	Param []responseParam `xml:"param"`
}

type responseParam struct {
	Value responseValue `xml:"value"`
}

type responseFault struct {
	Value responseValue `xml:"value"`
}

type responseValue struct {
	Inner []byte `xml:",innerxml"`
}

// Unmarshal parses a methodResponse body and returns the first result value
// as string, int64, float64, bool, []byte (base64), []any or map[string]any.
// A fault element is returned as a *Fault error.
func Unmarshal(data []byte) (any, error) {
	var resp methodResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse XML-RPC response: %w", err)
	}

	if resp.Fault != nil {
		return nil, parseFault(resp.Fault.Value.Inner)
	}

	if resp.Params == nil || len(resp.Params.Param) == 0 {
		return "", nil
	}

	return parseValue(resp.Params.Param[0].Value.Inner)
}

func parseFault(inner []byte) error {
	val, err := parseValue(inner)
	if err != nil {
		return &Fault{Message: string(inner)}
	}

	if m, ok := val.(map[string]any); ok {
		code, _ := m["faultCode"].(int64)
		msg, _ := m["faultString"].(string)
		return &Fault{Code: code, Message: msg}
	}

	return &Fault{Message: fmt.Sprintf("%v", val)}
}

func parseValue(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}

	decoder := xml.NewDecoder(bytes.NewReader(trimmed))
	val, _, err := decodeValue(decoder)
	return val, err
}

const valueTag = "value"

// decodeValue decodes one value body. endConsumed reports whether the closing
// </value> was already read: an empty untyped value ends on its own end tag,
// while typed and text contents leave it for the caller.
func decodeValue(decoder *xml.Decoder) (val any, endConsumed bool, err error) {
	for {
		token, tokenErr := decoder.Token()
		if tokenErr != nil {
			return "", false, tokenErr
		}

		switch t := token.(type) {
		case xml.StartElement:
			val, err = decodeTypedValue(decoder, t.Name.Local)
			return val, false, err
		case xml.CharData:
			// XML-RPC treats untyped value content as a string.
			s := strings.TrimSpace(string(t))
			if s != "" {
				return s, false, nil
			}
		case xml.EndElement:
			return "", true, nil
		}
	}
}

func decodeTypedValue(decoder *xml.Decoder, typeName string) (any, error) {
	switch typeName {
	case "string":
		return decodeString(decoder, "string")
	case "int", "i4", "i8":
		s, err := decodeString(decoder, typeName)
		if err != nil {
			return int64(0), err
		}
		n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return n, nil
	case "double":
		s, err := decodeString(decoder, "double")
		if err != nil {
			return float64(0), err
		}
		f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, nil
	case "boolean":
		s, err := decodeString(decoder, "boolean")
		if err != nil {
			return false, err
		}
		return strings.TrimSpace(s) == "1", nil
	case "base64":
		s, err := decodeString(decoder, "base64")
		if err != nil {
			return nil, err
		}
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 value: %w", err)
		}
		return decoded, nil
	case "array":
		return decodeArray(decoder)
	case "struct":
		return decodeStruct(decoder)
	case valueTag:
		val, endConsumed, err := decodeValue(decoder)
		if err == nil && !endConsumed {
			consumeEndElement(decoder, valueTag)
		}
		return val, err
	default:
		// dateTime.iso8601 and anything else decodes as its text content.
		return decodeString(decoder, typeName)
	}
}

func decodeString(decoder *xml.Decoder, endTag string) (string, error) {
	var content strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			return content.String(), err
		}
		switch t := token.(type) {
		case xml.CharData:
			content.Write(t)
		case xml.EndElement:
			if t.Name.Local == endTag {
				return content.String(), nil
			}
		}
	}
}

func decodeArray(decoder *xml.Decoder) ([]any, error) {
	items := []any{}

	for {
		token, err := decoder.Token()
		if err != nil {
			return items, err
		}

		if end, ok := token.(xml.EndElement); ok {
			if end.Name.Local == "array" {
				return items, nil
			}
			continue
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != valueTag {
			continue
		}

		val, endConsumed, valErr := decodeValue(decoder)
		if valErr != nil {
			return items, valErr
		}
		items = append(items, val)
		if !endConsumed {
			consumeEndElement(decoder, valueTag)
		}
	}
}

func decodeStruct(decoder *xml.Decoder) (map[string]any, error) {
	result := make(map[string]any)

	for {
		token, err := decoder.Token()
		if err != nil {
			return result, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "member" {
				name, val := decodeMember(decoder)
				if name != "" {
					result[name] = val
				}
			}
		case xml.EndElement:
			if t.Name.Local == "struct" {
				return result, nil
			}
		}
	}
}

func decodeMember(decoder *xml.Decoder) (memberName string, memberVal any) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return memberName, memberVal
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				memberName, _ = decodeString(decoder, "name")
			case valueTag:
				var endConsumed bool
				memberVal, endConsumed, _ = decodeValue(decoder)
				if !endConsumed {
					consumeEndElement(decoder, valueTag)
				}
			}
		case xml.EndElement:
			if t.Name.Local == "member" {
				return memberName, memberVal
			}
		}
	}
}

func consumeEndElement(decoder *xml.Decoder, name string) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return
		}
		if end, ok := token.(xml.EndElement); ok && end.Name.Local == name {
			return
		}
	}
}

// Helpers for struct-shaped results.

// String returns a string member, or "" when absent or mistyped.
func String(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer member, converting from the types the decoder emits.
func Int(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Bool returns a boolean member, or false when absent.
func Bool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
