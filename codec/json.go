package codec

import "encoding/json"

// JSONCodec uses encoding/json. Items keep their `json` tags, which makes it
// the natural choice when pages are also served over HTTP.
type JSONCodec[V any] struct{}

func (JSONCodec[V]) Encode(v V) ([]byte, error) { return json.Marshal(v) }
func (JSONCodec[V]) Decode(b []byte) (V, error) {
	var v V
	err := json.Unmarshal(b, &v)
	return v, err
}
