package dockerapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a minimal Docker Engine API client speaking HTTP over the
// daemon's unix socket. Only the endpoints the gateway needs are
// implemented.
type Client struct {
	http *http.Client
}

// NewClient creates a client for the daemon socket at socketPath.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		http: &http.Client{Transport: transport},
	}
}

// APIError is a non-2xx daemon response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("docker daemon: %s (status %d)", e.Message, e.StatusCode)
}

// IsNotFound reports whether the error is a daemon 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// ContainerSummary is one entry of the container list endpoint.
type ContainerSummary struct {
	ID     string   `json:"Id"`
	Names  []string `json:"Names"`
	Image  string   `json:"Image"`
	State  string   `json:"State"`
	Status string   `json:"Status"`
	Ports  []Port   `json:"Ports"`

	Labels map[string]string `json:"Labels"`
}

// Port is one published port of a container.
type Port struct {
	IP          string `json:"IP,omitempty"`
	PrivatePort int    `json:"PrivatePort"`
	PublicPort  int    `json:"PublicPort,omitempty"`
	Type        string `json:"Type"`
}

// ContainerDetail is the subset of the inspect response the gateway
// consumes.
type ContainerDetail struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Image string `json:"Image"`
		Tty   bool   `json:"Tty"`
	} `json:"Config"`
	State struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
}

// StatsResponse is a one-shot stats sample pair: PreCPUStats is the
// previous buffered sample, CPUStats the current one.
type StatsResponse struct {
	CPUStats    CPUStats    `json:"cpu_stats"`
	PreCPUStats CPUStats    `json:"precpu_stats"`
	MemoryStats MemoryStats `json:"memory_stats"`
}

// CPUStats is one CPU sample.
type CPUStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

// MemoryStats is one memory sample.
type MemoryStats struct {
	Usage uint64 `json:"usage"`
	Limit uint64 `json:"limit"`

	Stats struct {
		// InactiveFile is subtracted from Usage to approximate the
		// working set, matching what docker stats reports.
		InactiveFile uint64 `json:"inactive_file"`
	} `json:"stats"`
}

// ListContainers lists containers, including stopped ones when all is
// set.
func (c *Client) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	q := url.Values{}
	if all {
		q.Set("all", "1")
	}
	var out []ContainerSummary
	if err := c.getJSON(ctx, "/containers/json?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Inspect fetches container details by id or name.
func (c *Client) Inspect(ctx context.Context, id string) (*ContainerDetail, error) {
	var out ContainerDetail
	if err := c.getJSON(ctx, "/containers/"+url.PathEscape(id)+"/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ContainerStats fetches a single non-streaming stats sample.
func (c *Client) ContainerStats(ctx context.Context, id string) (*StatsResponse, error) {
	var out StatsResponse
	if err := c.getJSON(ctx, "/containers/"+url.PathEscape(id)+"/stats?stream=false", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartContainer starts a container by id.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.post(ctx, "/containers/"+url.PathEscape(id)+"/start")
}

// StopContainer stops a container by id, waiting up to timeout for a
// graceful shutdown before the daemon kills it.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	return c.post(ctx, "/containers/"+url.PathEscape(id)+"/stop?t="+strconv.Itoa(int(timeout.Seconds())))
}

// RestartContainer restarts a container by id.
func (c *Client) RestartContainer(ctx context.Context, id string, timeout time.Duration) error {
	return c.post(ctx, "/containers/"+url.PathEscape(id)+"/restart?t="+strconv.Itoa(int(timeout.Seconds())))
}

// RemoveContainer removes a stopped container by id.
func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/containers/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Logs opens a follow log stream for the container. For non-TTY
// containers the daemon multiplexes stdout and stderr into framed
// records; the returned reader is already demultiplexed either way.
func (c *Client) Logs(ctx context.Context, id string, tail int) (io.ReadCloser, error) {
	detail, err := c.Inspect(ctx, id)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("follow", "1")
	q.Set("stdout", "1")
	q.Set("stderr", "1")
	q.Set("timestamps", "1")
	if tail > 0 {
		q.Set("tail", strconv.Itoa(tail))
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/containers/"+url.PathEscape(id)+"/logs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}

	if detail.Config.Tty {
		return resp.Body, nil
	}
	return &demuxReader{src: resp.Body}, nil
}

// Ping checks daemon reachability.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/_ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	// The host is a placeholder; the transport always dials the unix
	// socket.
	return http.NewRequestWithContext(ctx, method, "http://docker"+path, body)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) post(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodPost, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Message}
}

// demuxReader strips the 8-byte stream frame headers the daemon writes
// for non-TTY containers: one byte stream type, three bytes padding,
// four bytes big-endian payload length.
type demuxReader struct {
	src     io.ReadCloser
	pending []byte
}

func (d *demuxReader) Read(p []byte) (int, error) {
	for len(d.pending) == 0 {
		var header [8]byte
		if _, err := io.ReadFull(d.src, header[:]); err != nil {
			return 0, err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		d.pending = make([]byte, size)
		if _, err := io.ReadFull(d.src, d.pending); err != nil {
			return 0, err
		}
	}

	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *demuxReader) Close() error {
	return d.src.Close()
}
