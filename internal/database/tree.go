package database

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// NormalizePath cleans a slash-separated folder path. Leading and trailing
// slashes are dropped; empty, "." and ".." segments are rejected. The root
// is the empty string.
func NormalizePath(p string) (string, error) {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return "", nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		s = strings.TrimSpace(s)
		if s == "" || s == "." || s == ".." {
			return "", fmt.Errorf("%w: folder path %q", ErrInvalid, p)
		}
	}
	return strings.Join(segs, "/"), nil
}

func splitPath(p string) (parent, name string) {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i], p[i+1:]
	}
	return "", p
}

// subtreeClause matches column equal to path or anything below it.
func subtreeClause(tx *gorm.DB, column, path string) *gorm.DB {
	return tx.Where(column+" = ? OR "+column+" LIKE ? ESCAPE '\\'", path, escapeLike(path)+"/%")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// CreateFolder creates the folder at path along with any missing ancestors.
// Creating an existing folder is not an error.
func CreateFolder(path string) (*Folder, error) {
	norm, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	if norm == "" {
		return nil, fmt.Errorf("%w: cannot create the root folder", ErrInvalid)
	}

	var folder Folder
	err = DB.Transaction(func(tx *gorm.DB) error {
		segs := strings.Split(norm, "/")
		for i := range segs {
			p := strings.Join(segs[:i+1], "/")
			parent, name := splitPath(p)
			folder = Folder{}
			if err := tx.Where(Folder{Path: p}).Attrs(Folder{Name: name, Parent: parent}).FirstOrCreate(&folder).Error; err != nil {
				return fmt.Errorf("create folder %s: %w", p, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &folder, nil
}

// ListFolders returns every folder ordered by path, so parents precede
// their children.
func ListFolders() ([]Folder, error) {
	var folders []Folder
	if err := DB.Order("path").Find(&folders).Error; err != nil {
		return nil, err
	}
	return folders, nil
}

// DeleteFolder removes the folder, its descendants and every endpoint stored
// beneath it.
func DeleteFolder(path string) error {
	norm, err := NormalizePath(path)
	if err != nil {
		return err
	}
	if norm == "" {
		return fmt.Errorf("%w: cannot delete the root folder", ErrInvalid)
	}
	return DB.Transaction(func(tx *gorm.DB) error {
		res := subtreeClause(tx, "path", norm).Delete(&Folder{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return subtreeClause(tx, "folder_path", norm).Delete(&Endpoint{}).Error
	})
}

// CreateEndpoint stores a new endpoint, creating its folder if needed.
func CreateEndpoint(e *Endpoint) error {
	if err := prepareEndpoint(e); err != nil {
		return err
	}
	if e.FolderPath != "" {
		if _, err := CreateFolder(e.FolderPath); err != nil {
			return err
		}
	}
	return DB.Create(e).Error
}

func GetEndpoint(id uint) (*Endpoint, error) {
	var e Endpoint
	if err := DB.First(&e, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListEndpoints returns endpoints in folder and all of its descendants. An
// empty folder lists the whole tree.
func ListEndpoints(folder string) ([]Endpoint, error) {
	norm, err := NormalizePath(folder)
	if err != nil {
		return nil, err
	}
	tx := DB.Model(&Endpoint{})
	if norm != "" {
		tx = subtreeClause(tx, "folder_path", norm)
	}
	var endpoints []Endpoint
	if err := tx.Order("folder_path").Order("sort_order").Order("name").Find(&endpoints).Error; err != nil {
		return nil, err
	}
	return endpoints, nil
}

func UpdateEndpoint(e *Endpoint) error {
	if e.ID == 0 {
		return fmt.Errorf("%w: update endpoint without id", ErrInvalid)
	}
	if err := prepareEndpoint(e); err != nil {
		return err
	}
	if e.FolderPath != "" {
		if _, err := CreateFolder(e.FolderPath); err != nil {
			return err
		}
	}
	res := DB.Save(e)
	if res.Error != nil {
		return res.Error
	}
	return nil
}

func DeleteEndpoint(id uint) error {
	res := DB.Delete(&Endpoint{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func prepareEndpoint(e *Endpoint) error {
	folder, err := NormalizePath(e.FolderPath)
	if err != nil {
		return err
	}
	e.FolderPath = folder
	e.Name = strings.TrimSpace(e.Name)
	if e.Name == "" {
		e.Name = e.Host
	}
	if e.Port == 0 {
		e.Port = 22
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalid, e.Port)
	}
	if e.AuthMethod == "" {
		e.AuthMethod = AuthMethodPassword
	}
	if e.AuthMethod != AuthMethodPassword && e.AuthMethod != AuthMethodKey {
		return fmt.Errorf("%w: auth method %q", ErrInvalid, e.AuthMethod)
	}
	return nil
}
