package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/jkaninda/hookd/internal/sandbox"
)

// errBodyTooLarge maps to 413.
var errBodyTooLarge = errors.New("request body too large")

// requestError is a client mistake found while building the context.
type requestError struct {
	status int
	msg    string
}

func (e *requestError) Error() string { return e.msg }

// fillRequest copies the request data into live: body, query, params,
// headers, the request projection and the first uploaded file.
func fillRequest(live *sandbox.ExecutionContext, r *http.Request, params map[string]string, maxBody int64) error {
	live.Request = r
	live.Headers = r.Header
	live.Query = queryValues(r.URL.Query())
	live.Params = make(map[string]any, len(params))
	for k, v := range params {
		live.Params[k] = v
	}

	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "multipart/form-data":
		return fillMultipart(live, r, maxBody)

	case mediaType == "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return bodyError(err)
		}
		live.Body = queryValues(r.PostForm)
		return nil

	default:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			return bodyError(err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if mediaType == "" || mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
			var body any
			if err := json.Unmarshal(data, &body); err != nil {
				if mediaType == "" {
					live.Body = string(data)
					return nil
				}
				return &requestError{status: http.StatusBadRequest, msg: "invalid JSON body"}
			}
			live.Body = body
			return nil
		}
		live.Body = string(data)
		return nil
	}
}

// fillMultipart puts form fields in body and the first file in uploadedFile.
func fillMultipart(live *sandbox.ExecutionContext, r *http.Request, maxBody int64) error {
	if err := r.ParseMultipartForm(maxBody); err != nil {
		return bodyError(err)
	}
	form := r.MultipartForm
	live.Body = queryValues(form.Value)

	for _, headers := range form.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			return bodyError(err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return bodyError(err)
		}
		live.UploadedFile = &sandbox.UploadedFile{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Data:        data,
		}
		break
	}
	return nil
}

// queryValues flattens url.Values: single values become strings, repeated
// keys become arrays.
func queryValues(values map[string][]string) map[string]any {
	out := make(map[string]any, len(values))
	for k, vs := range values {
		switch len(vs) {
		case 0:
		case 1:
			out[k] = vs[0]
		default:
			arr := make([]any, len(vs))
			for i, v := range vs {
				arr[i] = v
			}
			out[k] = arr
		}
	}
	return out
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return &requestError{status: http.StatusRequestEntityTooLarge, msg: errBodyTooLarge.Error()}
	}
	return &requestError{status: http.StatusBadRequest, msg: fmt.Sprintf("reading request body: %v", err)}
}
