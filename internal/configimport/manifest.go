package configimport

import (
	"gopkg.in/yaml.v3"

	"github.com/smart-mcp-proxy/mcpgate/internal/contracts"
)

// manifest is a hand-written list of servers:
//
//	servers:
//	  - alias: github
//	    command: npx
//	    args: ["-y", "@modelcontextprotocol/server-github"]
//	    env: {GITHUB_TOKEN: "${input:GITHUB_TOKEN}"}
//	    inputs:
//	      - {name: GITHUB_TOKEN, required: true, secret: true}
type manifest struct {
	Servers []manifestServer `yaml:"servers"`
}

type manifestServer struct {
	Alias      string            `yaml:"alias"`
	Transport  string            `yaml:"transport,omitempty"`
	Command    string            `yaml:"command,omitempty"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	WorkingDir string            `yaml:"working_dir,omitempty"`
	URL        string            `yaml:"url,omitempty"`
	Headers    map[string]string `yaml:"headers,omitempty"`
	Enabled    *bool             `yaml:"enabled,omitempty"`
	OAuth      *struct {
		ClientID     string   `yaml:"client_id,omitempty"`
		ClientSecret string   `yaml:"client_secret,omitempty"`
		Scopes       []string `yaml:"scopes,omitempty"`
	} `yaml:"oauth,omitempty"`
	Inputs []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description,omitempty"`
		Required    bool   `yaml:"required,omitempty"`
		Secret      bool   `yaml:"secret,omitempty"`
	} `yaml:"inputs,omitempty"`
	Values map[string]string `yaml:"values,omitempty"`
}

func parseManifest(content []byte) ([]*sourceServer, error) {
	var m manifest
	if err := yaml.Unmarshal(content, &m); err != nil {
		return nil, parseError("YAML", FormatManifest.String(), err)
	}
	if len(m.Servers) == 0 {
		return nil, noServers(FormatManifest)
	}

	out := make([]*sourceServer, 0, len(m.Servers))
	for _, ms := range m.Servers {
		s := &sourceServer{
			Name:     ms.Alias,
			Protocol: protocolOr(ms.Transport, ms.URL, "streamable-http"),
			Command:  ms.Command,
			Args:     ms.Args,
			Env:      ms.Env,
			Cwd:      ms.WorkingDir,
			URL:      ms.URL,
			Headers:  ms.Headers,
			Enabled:  ms.Enabled,
			Values:   ms.Values,
		}
		if ms.OAuth != nil {
			s.OAuth = &contracts.OAuthSettings{ClientID: ms.OAuth.ClientID, ClientSecret: ms.OAuth.ClientSecret, Scopes: ms.OAuth.Scopes}
		}
		for _, in := range ms.Inputs {
			s.Inputs = append(s.Inputs, contracts.InputDecl{
				Name:        in.Name,
				Description: in.Description,
				Required:    in.Required,
				Secret:      in.Secret,
			})
		}
		out = append(out, s)
	}
	return out, nil
}
