// Package inventory moves the saved endpoint tree in and out of YAML files.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"gopkg.in/yaml.v3"
)

// File is the YAML document layout.
type File struct {
	Folders   []string   `yaml:"folders,omitempty"`
	Endpoints []Endpoint `yaml:"endpoints"`
}

type Endpoint struct {
	Name          string `yaml:"name"`
	Folder        string `yaml:"folder,omitempty"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port,omitempty"`
	Username      string `yaml:"username"`
	AuthMethod    string `yaml:"auth_method,omitempty"`
	KeyPath       string `yaml:"key_path,omitempty"`
	SortOrder     int    `yaml:"sort_order,omitempty"`
	Password      string `yaml:"password,omitempty"`
	KeyPassphrase string `yaml:"key_passphrase,omitempty"`
}

// Summary counts what an import changed.
type Summary struct {
	Folders int
	Created int
	Updated int
}

// Import reads a File from r and merges it into the store. An endpoint
// whose folder and name match an existing one replaces it; secrets left
// empty in the file keep the stored value.
func Import(r io.Reader) (Summary, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Summary{}, fmt.Errorf("parse inventory: %w", err)
	}

	var sum Summary
	for _, p := range f.Folders {
		if _, err := database.CreateFolder(p); err != nil {
			return sum, fmt.Errorf("folder %q: %w", p, err)
		}
		sum.Folders++
	}

	existing, err := database.ListEndpoints("")
	if err != nil {
		return sum, err
	}
	byKey := make(map[string]database.Endpoint, len(existing))
	for _, e := range existing {
		byKey[e.FolderPath+"\x00"+e.Name] = e
	}

	for i, in := range f.Endpoints {
		folder, err := database.NormalizePath(in.Folder)
		if err != nil {
			return sum, fmt.Errorf("endpoint %d: %w", i+1, err)
		}
		name := in.Name
		if name == "" {
			name = in.Host
		}

		e, found := byKey[folder+"\x00"+name]
		e.Name = name
		e.FolderPath = folder
		e.Host = in.Host
		e.Port = in.Port
		e.Username = in.Username
		e.AuthMethod = in.AuthMethod
		e.KeyPath = in.KeyPath
		e.SortOrder = in.SortOrder
		if in.Password != "" {
			if e.Password, err = crypto.Encrypt(in.Password); err != nil {
				return sum, err
			}
		}
		if in.KeyPassphrase != "" {
			if e.KeyPassphrase, err = crypto.Encrypt(in.KeyPassphrase); err != nil {
				return sum, err
			}
		}

		if found {
			err = database.UpdateEndpoint(&e)
			sum.Updated++
		} else {
			err = database.CreateEndpoint(&e)
			sum.Created++
		}
		if err != nil {
			return sum, fmt.Errorf("endpoint %q: %w", name, err)
		}
		byKey[folder+"\x00"+name] = e
	}
	return sum, nil
}

// Export writes the whole tree to w. Secrets are decrypted into the file
// only when withSecrets is set.
func Export(w io.Writer, withSecrets bool) error {
	folders, err := database.ListFolders()
	if err != nil {
		return err
	}
	endpoints, err := database.ListEndpoints("")
	if err != nil {
		return err
	}

	var f File
	for _, folder := range folders {
		f.Folders = append(f.Folders, folder.Path)
	}
	sort.Strings(f.Folders)

	for _, e := range endpoints {
		out := Endpoint{
			Name:       e.Name,
			Folder:     e.FolderPath,
			Host:       e.Host,
			Port:       e.Port,
			Username:   e.Username,
			AuthMethod: e.AuthMethod,
			KeyPath:    e.KeyPath,
			SortOrder:  e.SortOrder,
		}
		if withSecrets {
			if out.Password, err = crypto.Decrypt(e.Password); err != nil {
				return fmt.Errorf("endpoint %q: %w", e.Name, err)
			}
			if out.KeyPassphrase, err = crypto.Decrypt(e.KeyPassphrase); err != nil {
				return fmt.Errorf("endpoint %q: %w", e.Name, err)
			}
		}
		f.Endpoints = append(f.Endpoints, out)
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&f); err != nil {
		return fmt.Errorf("write inventory: %w", err)
	}
	return enc.Close()
}
