package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
)

// File is a single file to upload.
type File struct {
	// Name is the file name sent to the server.
	Name string

	// ContentType defaults to application/octet-stream.
	ContentType string

	// Content is read once, when the request body is built.
	Content io.Reader
}

type formField struct {
	name  string
	value string
}

type formFile struct {
	field string
	file  File
}

// Form is a multipart form with fields and files, sent in insertion order.
type Form struct {
	fields []formField
	files  []formFile
}

// NewForm returns an empty form.
func NewForm() *Form {
	return &Form{}
}

// AddField appends a text field.
func (f *Form) AddField(name, value string) *Form {
	f.fields = append(f.fields, formField{name: name, value: value})
	return f
}

// AddFile appends a file under field.
func (f *Form) AddFile(field string, file File) *Form {
	f.files = append(f.files, formFile{field: field, file: file})
	return f
}

// encode writes the form as multipart/form-data and returns the content type.
func (f *Form) encode() ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for _, field := range f.fields {
		if err := w.WriteField(field.name, field.value); err != nil {
			return nil, "", fmt.Errorf("write form field %q: %w", field.name, err)
		}
	}

	for _, ff := range f.files {
		contentType := ff.file.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`,
			escapeQuotes(ff.field), escapeQuotes(ff.file.Name)))
		h.Set("Content-Type", contentType)

		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("create form file %q: %w", ff.field, err)
		}
		if ff.file.Content != nil {
			if _, err := io.Copy(part, ff.file.Content); err != nil {
				return nil, "", fmt.Errorf("copy form file %q: %w", ff.field, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// payload is an encoded request body. It is replayed on every attempt.
type payload struct {
	data        []byte
	contentType string
	multipart   bool
}

func (p *payload) reader() io.Reader {
	if p == nil {
		return nil
	}
	return bytes.NewReader(p.data)
}

// encodeBody turns a request body into a replayable payload. []byte and
// json.RawMessage are sent as is, a File or *Form as multipart, anything
// else as JSON.
func encodeBody(body any) (*payload, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case *Form:
		if b == nil {
			return nil, nil
		}
		data, contentType, err := b.encode()
		if err != nil {
			return nil, err
		}
		return &payload{data: data, contentType: contentType, multipart: true}, nil
	case File:
		return encodeBody(NewForm().AddFile("file", b))
	case *File:
		if b == nil {
			return nil, nil
		}
		return encodeBody(*b)
	case []byte:
		return &payload{data: b, contentType: "application/json"}, nil
	case json.RawMessage:
		return &payload{data: b, contentType: "application/json"}, nil
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		return &payload{data: data, contentType: "application/json"}, nil
	}
}
