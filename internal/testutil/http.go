package testutil

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
)

type RoundTripHandler struct {
	Handler http.Handler
}

func (rt *RoundTripHandler) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	rt.Handler.ServeHTTP(rec, req)
	res := rec.Result()
	res.Request = req
	return res, nil
}

func NewInProcessClient(handler http.Handler) *http.Client {
	return &http.Client{Transport: &RoundTripHandler{Handler: handler}}
}

func ReadAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func NewRequest(method, path string, body []byte) *http.Request {
	if body == nil {
		body = []byte{}
	}
	req := httptest.NewRequest(method, "http://in-process"+path, bytes.NewReader(body))
	// httptest.NewRequest builds a server-side request; http.Client.Do
	// rejects requests with RequestURI set.
	req.RequestURI = ""
	return req
}
