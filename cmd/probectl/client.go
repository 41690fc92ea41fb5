package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/probehub/backend/internal/domain"
	"github.com/probehub/backend/internal/transport/http/dto"
)

// apiClient is a thin client for the probehub HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

func (c *apiClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("X-Admin-Token", c.token)
	}
	return req, nil
}

func (c *apiClient) do(req *http.Request, out any) (*dto.Result, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var res struct {
		dto.Result
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !res.Success {
		msg := res.Message
		if len(res.Details) > 0 {
			msg += ": " + strings.Join(res.Details, "; ")
		}
		return nil, &apiError{Status: resp.StatusCode, Message: msg}
	}
	if out != nil && len(res.Data) > 0 {
		if err := json.Unmarshal(res.Data, out); err != nil {
			return nil, err
		}
	}
	return &res.Result, nil
}

func (c *apiClient) doJSON(ctx context.Context, method, path string, in, out any) (*dto.Result, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = strings.NewReader(string(b))
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *apiClient) StartDynamic(ctx context.Context, in dto.StartDynamicRequest) (*dto.StartTaskResponse, error) {
	var out dto.StartTaskResponse
	_, err := c.doJSON(ctx, http.MethodPost, "/api/v1/analysis/dynamic/start", in, &out)
	return &out, err
}

func (c *apiClient) StartPrivacy(ctx context.Context, in dto.StartPrivacyRequest) (*dto.StartTaskResponse, error) {
	var out dto.StartTaskResponse
	_, err := c.doJSON(ctx, http.MethodPost, "/api/v1/analysis/privacy/start", in, &out)
	return &out, err
}

func (c *apiClient) Stop(ctx context.Context, taskID string) (*domain.StopResult, string, error) {
	var out domain.StopResult
	res, err := c.doJSON(ctx, http.MethodPost, "/api/v1/tasks/"+taskID+"/stop", nil, &out)
	if err != nil {
		return nil, "", err
	}
	return &out, res.Warning, nil
}

func (c *apiClient) Task(ctx context.Context, taskID string) (*domain.Task, error) {
	var out domain.Task
	_, err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, &out)
	return &out, err
}

func (c *apiClient) Tasks(ctx context.Context) ([]*domain.Task, error) {
	var out []*domain.Task
	_, err := c.doJSON(ctx, http.MethodGet, "/api/v1/tasks", nil, &out)
	return out, err
}

// Logs follows the task's SSE stream and calls fn for every event until
// the completed event or the end of the stream.
func (c *apiClient) Logs(ctx context.Context, taskID string, fn func(domain.LogEvent)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tasks/"+taskID+"/logs", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.errorFrom(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev domain.LogEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("malformed event: %w", err)
		}
		fn(ev)
		if ev.Type == domain.LogEventCompleted {
			return nil
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Report downloads the task's report into dir and returns the written path
// and any server warning.
func (c *apiClient) Report(ctx context.Context, taskID, dir string) (string, string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/tasks/"+taskID+"/report", nil)
	if err != nil {
		return "", "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", c.errorFrom(resp)
	}

	name := taskID + ".xls"
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		name = filepath.Base(params["filename"])
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return path, resp.Header.Get("X-Report-Warning"), nil
}

func (c *apiClient) Upload(ctx context.Context, file string) (*domain.UploadedFile, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filepath.Base(file))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/uploads", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out domain.UploadedFile
	if _, err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) errorFrom(resp *http.Response) error {
	var res dto.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil || res.Message == "" {
		return &apiError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return &apiError{Status: resp.StatusCode, Message: res.Message}
}
