package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/warocol/purchasing/internal/shared"
)

const multipartMemory = 32 << 20

// DecodeWithFiles decodes a JSON body, or a multipart form whose "data" field
// holds the JSON payload and whose "files" parts carry uploads.
func DecodeWithFiles(r *http.Request, target any) ([]*multipart.FileHeader, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		if r.ContentLength == 0 {
			return nil, nil
		}
		return nil, DecodeJSON(r, target)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if errors.Is(err, multipart.ErrMessageTooLarge) {
			return nil, fmt.Errorf("multipart body too large: %w", shared.ErrValidation)
		}
		return nil, fmt.Errorf("parse multipart: %v: %w", err, shared.ErrValidation)
	}
	if raw := r.FormValue("data"); raw != "" {
		dec := json.NewDecoder(bytes.NewBufferString(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(target); err != nil {
			return nil, fmt.Errorf("decode data field: %v: %w", err, shared.ErrValidation)
		}
	}
	return r.MultipartForm.File["files"], nil
}
