package bus

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ircmesh/ircmesh/internal/errdefs"
)

// lookupdTimeout bounds every lookupd HTTP call.
const lookupdTimeout = 5 * time.Second

// LookupdClient drives the nsqlookupd HTTP API. Topic and channel
// registration fan out to every configured lookupd so each one can
// answer discovery queries; listings come from the first that responds.
type LookupdClient struct {
	addrs []string
	http  *http.Client
}

// NewLookupdClient builds a client for the given host:port addresses.
func NewLookupdClient(addrs []string) *LookupdClient {
	return &LookupdClient{
		addrs: addrs,
		http:  &http.Client{Timeout: lookupdTimeout},
	}
}

// CreateTopic registers the topic with every lookupd. Existing topics
// are not an error.
func (c *LookupdClient) CreateTopic(topic string) error {
	return c.fanout("/create_topic", url.Values{"topic": {topic}})
}

// CreateChannel registers the channel on the topic with every lookupd.
func (c *LookupdClient) CreateChannel(topic, channel string) error {
	return c.fanout("/create_channel", url.Values{"topic": {topic}, "channel": {channel}})
}

// DeleteTopic removes the topic registration from every lookupd.
func (c *LookupdClient) DeleteTopic(topic string) error {
	return c.fanout("/delete_topic", url.Values{"topic": {topic}})
}

// DeleteChannel removes the channel registration from every lookupd.
func (c *LookupdClient) DeleteChannel(topic, channel string) error {
	return c.fanout("/delete_channel", url.Values{"topic": {topic}, "channel": {channel}})
}

// Topics lists every known topic.
func (c *LookupdClient) Topics() ([]string, error) {
	var body struct {
		Topics []string `json:"topics"`
	}
	if err := c.query("/topics", nil, &body); err != nil {
		return nil, err
	}
	return body.Topics, nil
}

// Channels lists the channels registered on a topic.
func (c *LookupdClient) Channels(topic string) ([]string, error) {
	var body struct {
		Channels []string `json:"channels"`
	}
	if err := c.query("/channels", url.Values{"topic": {topic}}, &body); err != nil {
		return nil, err
	}
	return body.Channels, nil
}

// fanout issues the call against every lookupd, returning the last
// failure after all have been tried.
func (c *LookupdClient) fanout(path string, params url.Values) error {
	if len(c.addrs) == 0 {
		return errors.Wrap(errdefs.ErrBusUnavailable, "no lookupd addresses")
	}
	var last error
	for _, addr := range c.addrs {
		if err := c.call(addr, path, params); err != nil {
			log.Warnf("BUS: lookupd %s%s: %v", addr, path, err)
			last = err
		}
	}
	return last
}

// query tries each lookupd in turn and decodes the first response.
func (c *LookupdClient) query(path string, params url.Values, out interface{}) error {
	var last error
	for _, addr := range c.addrs {
		resp, err := c.http.Get(endpoint(addr, path, params))
		if err != nil {
			last = err
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			last = err
			continue
		}
		if resp.StatusCode != http.StatusOK {
			last = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
			continue
		}
		if err := json.Unmarshal(raw, out); err != nil {
			last = err
			continue
		}
		return nil
	}
	if last == nil {
		last = errors.New("no lookupd addresses")
	}
	return errors.Wrapf(errdefs.ErrBusUnavailable, "lookupd %s: %v", path, last)
}

func (c *LookupdClient) call(addr, path string, params url.Values) error {
	resp, err := c.http.Get(endpoint(addr, path, params))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	// Re-registering is routine when several nodes share a topic.
	if strings.Contains(strings.ToUpper(string(raw)), "EXISTS") {
		return nil
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
}

// endpoint builds the request URL, defaulting to http for bare
// host:port addresses.
func endpoint(addr, path string, params url.Values) string {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u := base + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}
