package typedb

// Response is a successful reply to a single call.
type Response struct {
	Header  Header
	Payload []byte
}

// DecodeTyped decodes the msgpack payload into result.
func (resp *Response) DecodeTyped(result interface{}) error {
	return UnmarshalPayload(resp.Payload, result)
}
