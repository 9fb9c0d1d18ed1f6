// Package network describes the ledgers a pipeline can target and the
// per-network constants its manifests may reference as ${network.KEY}.
package network

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultName = "development"

	// DefaultGMOCNS is the name service address of the development network.
	DefaultGMOCNS = "0x65877b114cb9230b74c90fb95d43cf2743476e8c"

	envPrefix = "DEPLOYCTL"
)

var ErrUnknownNetwork = errors.New("unknown network")

type Network struct {
	Name      string
	Host      string
	Port      int
	NetworkID string
	Scheme    string
	// RPCURL overrides the URL built from Scheme, Host and Port.
	RPCURL    string
	Constants map[string]string
}

// Development is the network used when no networks file is given.
func Development() Network {
	return Network{
		Name:      DefaultName,
		Host:      "localhost",
		Port:      8545,
		NetworkID: "*",
		Scheme:    "http",
		Constants: map[string]string{"gmoCns": DefaultGMOCNS},
	}
}

// URL returns the JSON-RPC endpoint of the network.
func (n Network) URL() string {
	if n.RPCURL != "" {
		return n.RPCURL
	}
	scheme := n.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return (&url.URL{Scheme: scheme, Host: net.JoinHostPort(n.Host, strconv.Itoa(n.Port))}).String()
}

// MatchesID reports whether a ledger reporting id is acceptable; "*" matches
// any id.
func (n Network) MatchesID(id string) bool {
	return n.NetworkID == "" || n.NetworkID == "*" || n.NetworkID == strings.TrimSpace(id)
}

func (n Network) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return errors.New("network name is required")
	}
	if n.RPCURL != "" {
		u, err := url.Parse(n.RPCURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("network %q: rpc_url must be an absolute http(s) URL", n.Name)
		}
	} else {
		if strings.TrimSpace(n.Host) == "" {
			return fmt.Errorf("network %q: host is required", n.Name)
		}
		if n.Port < 1 || n.Port > 65535 {
			return fmt.Errorf("network %q: port must be in 1..65535", n.Name)
		}
		if n.Scheme != "" && n.Scheme != "http" && n.Scheme != "https" {
			return fmt.Errorf("network %q: scheme must be http or https", n.Name)
		}
	}
	for key := range n.Constants {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("network %q: constant names must be non-empty", n.Name)
		}
	}
	return nil
}

// Catalog is the set of networks loaded from one file.
type Catalog struct {
	networks map[string]Network
}

// NewCatalog builds a catalog; names are matched case-insensitively.
func NewCatalog(networks ...Network) (*Catalog, error) {
	c := &Catalog{networks: make(map[string]Network, len(networks))}
	for _, n := range networks {
		if err := n.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(strings.TrimSpace(n.Name))
		if _, exists := c.networks[key]; exists {
			return nil, fmt.Errorf("duplicate network %q", n.Name)
		}
		c.networks[key] = n
	}
	return c, nil
}

func (c *Catalog) Get(name string) (Network, error) {
	n, ok := c.networks[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Network{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownNetwork, name, strings.Join(c.Names(), ", "))
	}
	return n, nil
}

func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.networks))
	for _, n := range c.networks {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return names
}

// fileNetwork is the on-disk shape. Constants are a list because viper
// folds map keys to lower case and constant names are case-sensitive.
type fileNetwork struct {
	Host      string         `mapstructure:"host"`
	Port      int            `mapstructure:"port"`
	NetworkID string         `mapstructure:"network_id"`
	Scheme    string         `mapstructure:"scheme"`
	RPCURL    string         `mapstructure:"rpc_url"`
	Constants []fileConstant `mapstructure:"constants"`
}

type fileConstant struct {
	Name  string `mapstructure:"name"`
	Value string `mapstructure:"value"`
}

// Load reads a networks file (yaml, toml or json, by extension). An empty
// path yields a catalog holding only Development. Scalar settings can be
// overridden from the environment, e.g. DEPLOYCTL_NETWORKS_DEVELOPMENT_PORT.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return NewCatalog(Development())
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read networks file: %w", err)
	}
	return decode(v)
}

type fileRoot struct {
	Networks map[string]fileNetwork `mapstructure:"networks"`
}

func decode(v *viper.Viper) (*Catalog, error) {
	// Unmarshal goes through AllSettings, so environment overrides apply.
	var root fileRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("decode networks: %w", err)
	}
	raw := root.Networks
	if len(raw) == 0 {
		return nil, errors.New("networks file defines no networks")
	}

	networks := make([]Network, 0, len(raw))
	for name, fn := range raw {
		n := Network{
			Name:      name,
			Host:      fn.Host,
			Port:      fn.Port,
			NetworkID: fn.NetworkID,
			Scheme:    fn.Scheme,
			RPCURL:    fn.RPCURL,
			Constants: make(map[string]string, len(fn.Constants)),
		}
		for _, c := range fn.Constants {
			key := strings.TrimSpace(c.Name)
			if _, exists := n.Constants[key]; exists {
				return nil, fmt.Errorf("network %q: duplicate constant %q", n.Name, key)
			}
			n.Constants[key] = strings.TrimSpace(c.Value)
		}
		networks = append(networks, n)
	}
	return NewCatalog(networks...)
}
