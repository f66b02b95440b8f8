// Package config loads a clusterkit node's on-disk YAML configuration into
// a clusterkit.Config, using the namespaced dotted keys (cluster.*,
// sharding.*, singleton.*, receptionist.*, remote.artery.*) the core
// defines rather than any Go-specific key naming. Build applies cluster.*
// (except downing-provider-class), remote.artery.canonical.*,
// receptionist.gossip-interval and store.*; actor.provider,
// remote.artery.ssl.*, sharding.* and singleton.* are parsed into File but
// not applied to the Config. Validation is manual,
// field by field, in the teacher's cmd/substrated/main.go style rather
// than via a struct-tag validation framework.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clusterkit/clusterkit/internal/clusterkit"
	"github.com/clusterkit/clusterkit/internal/sbr"
	"github.com/clusterkit/clusterkit/internal/store"
)

// SplitBrainResolverFile is the on-disk shape of
// "cluster.split-brain-resolver.*". Only the fields its ActiveStrategy
// needs are read; the rest are ignored.
type SplitBrainResolverFile struct {
	ActiveStrategy                     string `yaml:"active-strategy"`
	StableAfter                        string `yaml:"stable-after"`
	DownAllWhenUnstable                bool   `yaml:"down-all-when-unstable"`
	StaticQuorumSize                   int    `yaml:"static-quorum-size"`
	StaticQuorumRole                   string `yaml:"static-quorum-role"`
	RefereeAddress                     string `yaml:"referee-address"`
	RefereeDownAllIfLessThanQuorumSize int    `yaml:"referee-down-all-if-less-than-quorum-size"`
	KeepOldestDownIfAlone              bool   `yaml:"keep-oldest-down-if-alone"`
}

// File is the on-disk shape of a node's YAML config document. Its fields
// mirror the dotted namespaces verbatim: Cluster maps "cluster.*", Remote
// maps "remote.artery.*", and so on.
type File struct {
	Actor struct {
		Provider string `yaml:"provider"`
	} `yaml:"actor"`

	Cluster struct {
		SeedNodes            []string               `yaml:"seed-nodes"`
		DowningProviderClass string                 `yaml:"downing-provider-class"`
		SplitBrainResolver   SplitBrainResolverFile `yaml:"split-brain-resolver"`
		FailureDetector      struct {
			Threshold float64 `yaml:"threshold"`
		} `yaml:"failure-detector"`
		Roles          []string `yaml:"roles"`
		GossipInterval string   `yaml:"gossip-interval"`
	} `yaml:"cluster"`

	Remote struct {
		Artery struct {
			Canonical struct {
				Hostname string `yaml:"hostname"`
				Port     int    `yaml:"port"`
			} `yaml:"canonical"`
			SSL struct {
				CertFile string `yaml:"cert-file"`
				KeyFile  string `yaml:"key-file"`
			} `yaml:"ssl"`
		} `yaml:"artery"`
	} `yaml:"remote"`

	Sharding struct {
		NumberOfShards    uint32 `yaml:"number-of-shards"`
		RebalanceInterval string `yaml:"rebalance-interval"`
		RememberEntities  bool   `yaml:"remember-entities"`
	} `yaml:"sharding"`

	Singleton struct {
		BufferSize         int    `yaml:"buffer-size"`
		HandoverTimeout    string `yaml:"handover-timeout"`
		ReevaluateInterval string `yaml:"reevaluate-interval"`
	} `yaml:"singleton"`

	Receptionist struct {
		GossipInterval string `yaml:"gossip-interval"`
	} `yaml:"receptionist"`

	// Store is not part of spec §6's table (persistence is an
	// implementation detail the core leaves to the embedder), but a
	// running node still needs to know where its database lives.
	Store struct {
		DatabaseFileName string `yaml:"database-file"`
	} `yaml:"store"`

	Admin struct {
		ListenAddr string `yaml:"listen-addr"`
	} `yaml:"admin"`
}

// Load reads and parses the YAML document at path, then builds a
// clusterkit.Config from it layered over clusterkit.DefaultConfig(selfAddress).
// selfAddress is this member's own address as resolved by the caller; it
// becomes the membership self address, while remote.artery.canonical.*, when
// set, sets the transport listen address.
func Load(path, selfAddress string) (clusterkit.Config, File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return clusterkit.Config{}, File{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return clusterkit.Config{}, File{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg, err := Build(f, selfAddress)
	if err != nil {
		return clusterkit.Config{}, File{}, err
	}
	return cfg, f, nil
}

// Build validates f and layers it over clusterkit.DefaultConfig(selfAddress),
// field by field, matching the teacher's manual flag validation rather than
// a struct-tag framework.
func Build(f File, selfAddress string) (clusterkit.Config, error) {
	cfg := clusterkit.DefaultConfig(selfAddress)

	if len(f.Cluster.Roles) > 0 {
		cfg.Membership.Roles = f.Cluster.Roles
	}
	cfg.Membership.SeedNodes = f.Cluster.SeedNodes

	if f.Cluster.GossipInterval != "" {
		d, err := time.ParseDuration(f.Cluster.GossipInterval)
		if err != nil {
			return cfg, fmt.Errorf("config: cluster.gossip-interval: %w", err)
		}
		cfg.Membership.GossipInterval = d
	}

	if f.Cluster.FailureDetector.Threshold > 0 {
		cfg.Membership.PhiThreshold = f.Cluster.FailureDetector.Threshold
	}

	if f.Remote.Artery.Canonical.Hostname != "" {
		cfg.Transport.ListenAddr = fmt.Sprintf("%s:%d",
			f.Remote.Artery.Canonical.Hostname, f.Remote.Artery.Canonical.Port)
	}

	if f.Receptionist.GossipInterval != "" {
		d, err := time.ParseDuration(f.Receptionist.GossipInterval)
		if err != nil {
			return cfg, fmt.Errorf("config: receptionist.gossip-interval: %w", err)
		}
		cfg.Receptionist.GossipInterval = d
	}

	strategy, err := buildStrategy(f.Cluster.SplitBrainResolver)
	if err != nil {
		return cfg, err
	}
	if strategy != nil {
		cfg.SBR.Strategy = strategy
	}
	cfg.SBR.DownAllWhenUnstable = f.Cluster.SplitBrainResolver.DownAllWhenUnstable
	if f.Cluster.SplitBrainResolver.StableAfter != "" {
		d, err := time.ParseDuration(f.Cluster.SplitBrainResolver.StableAfter)
		if err != nil {
			return cfg, fmt.Errorf("config: cluster.split-brain-resolver.stable-after: %w", err)
		}
		cfg.SBR.StableAfter = d
	}

	cfg.Store = store.SqliteConfig{DatabaseFileName: f.Store.DatabaseFileName}

	return cfg, nil
}

func buildStrategy(f SplitBrainResolverFile) (sbr.Strategy, error) {
	switch strings.ToLower(f.ActiveStrategy) {
	case "", "keep-majority":
		return sbr.KeepMajority{}, nil
	case "keep-oldest":
		return sbr.KeepOldest{DownIfAlone: f.KeepOldestDownIfAlone}, nil
	case "static-quorum":
		if f.StaticQuorumSize <= 0 {
			return nil, fmt.Errorf(
				"config: cluster.split-brain-resolver.static-quorum-size must be > 0 for static-quorum")
		}
		return sbr.StaticQuorum{N: f.StaticQuorumSize, Role: f.StaticQuorumRole}, nil
	case "keep-referee":
		if f.RefereeAddress == "" {
			return nil, fmt.Errorf(
				"config: cluster.split-brain-resolver.referee-address is required for keep-referee")
		}
		return sbr.KeepReferee{RefereeAddr: f.RefereeAddress, N: f.RefereeDownAllIfLessThanQuorumSize}, nil
	case "down-all":
		return sbr.DownAll{}, nil
	default:
		return nil, fmt.Errorf(
			"config: unknown cluster.split-brain-resolver.active-strategy %q", f.ActiveStrategy)
	}
}

// ExpandHome expands a leading "~" and any environment variables in path,
// matching the teacher's cmd/substrated/main.go expandHome helper.
func ExpandHome(path string) (string, error) {
	expanded := os.ExpandEnv(path)
	if expanded == path && len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("config: resolving home directory: %w", err)
		}
		expanded = home + path[1:]
	}
	return expanded, nil
}
