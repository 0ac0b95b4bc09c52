package errors

import (
	"encoding/json"
	"net/http"
)

// Body 是 HTTP 接口统一的错误响应体。
type Body struct {
	Code     Code              `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WriteHTTP 按错误码映射的状态码输出 JSON 错误。非 *Error 的错误按 UNKNOWN 处理。
func WriteHTTP(w http.ResponseWriter, err error) {
	e, ok := From(err)
	if !ok {
		e = Wrap(CodeUnknown, err, "")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(e.Code()))
	_ = json.NewEncoder(w).Encode(Body{Code: e.Code(), Message: e.Message(), Metadata: e.Metadata()})
}
