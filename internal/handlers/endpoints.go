package handlers

import (
	"net/http"

	"github.com/gluk-w/sshdeck/internal/crypto"
	"github.com/gluk-w/sshdeck/internal/database"
	"github.com/go-chi/chi/v5"
)

type endpointRequest struct {
	Name       string `json:"name"`
	FolderPath string `json:"folder_path"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	AuthMethod string `json:"auth_method"`
	KeyPath    string `json:"key_path"`
	SortOrder  int    `json:"sort_order"`

	// Secrets are write-only. On update a nil value keeps the stored
	// secret and an empty string clears it.
	Password      *string `json:"password,omitempty"`
	KeyPassphrase *string `json:"key_passphrase,omitempty"`
}

type endpointResponse struct {
	database.Endpoint
	HasPassword      bool `json:"has_password"`
	HasKeyPassphrase bool `json:"has_key_passphrase"`
}

func toEndpointResponse(e database.Endpoint) endpointResponse {
	return endpointResponse{
		Endpoint:         e,
		HasPassword:      e.Password != "",
		HasKeyPassphrase: e.KeyPassphrase != "",
	}
}

// apply copies req onto e, encrypting any secrets it carries.
func (req *endpointRequest) apply(e *database.Endpoint) error {
	e.Name = req.Name
	e.FolderPath = req.FolderPath
	e.Host = req.Host
	e.Port = req.Port
	e.Username = req.Username
	e.AuthMethod = req.AuthMethod
	e.KeyPath = req.KeyPath
	e.SortOrder = req.SortOrder

	if req.Password != nil {
		enc, err := crypto.Encrypt(*req.Password)
		if err != nil {
			return err
		}
		e.Password = enc
	}
	if req.KeyPassphrase != nil {
		enc, err := crypto.Encrypt(*req.KeyPassphrase)
		if err != nil {
			return err
		}
		e.KeyPassphrase = enc
	}
	return nil
}

func (req *endpointRequest) validate() string {
	switch {
	case req.Host == "":
		return "host is required"
	case req.Username == "":
		return "username is required"
	}
	return ""
}

// ListEndpoints handles GET /api/v1/endpoints. The optional folder query
// parameter limits the listing to that subtree.
func ListEndpoints(w http.ResponseWriter, r *http.Request) {
	endpoints, err := database.ListEndpoints(r.URL.Query().Get("folder"))
	if err != nil {
		writeStoreError(w, err, "Endpoint")
		return
	}
	resp := make([]endpointResponse, 0, len(endpoints))
	for _, e := range endpoints {
		resp = append(resp, toEndpointResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

func GetEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	e, err := database.GetEndpoint(id)
	if err != nil {
		writeStoreError(w, err, "Endpoint")
		return
	}
	writeJSON(w, http.StatusOK, toEndpointResponse(*e))
}

func CreateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req endpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	var e database.Endpoint
	if err := req.apply(&e); err != nil {
		log.WithError(err).Error("encrypt endpoint secret")
		writeError(w, http.StatusInternalServerError, "Failed to store credentials")
		return
	}
	if err := database.CreateEndpoint(&e); err != nil {
		writeStoreError(w, err, "Endpoint")
		return
	}
	log.Infof("Endpoint created: id=%d %s@%s:%d", e.ID, e.Username, e.Host, e.Port)
	writeJSON(w, http.StatusCreated, toEndpointResponse(e))
}

func UpdateEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req endpointRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	e, err := database.GetEndpoint(id)
	if err != nil {
		writeStoreError(w, err, "Endpoint")
		return
	}
	if err := req.apply(e); err != nil {
		log.WithError(err).Error("encrypt endpoint secret")
		writeError(w, http.StatusInternalServerError, "Failed to store credentials")
		return
	}
	if err := database.UpdateEndpoint(e); err != nil {
		writeStoreError(w, err, "Endpoint")
		return
	}
	writeJSON(w, http.StatusOK, toEndpointResponse(*e))
}

func DeleteEndpoint(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := database.DeleteEndpoint(id); err != nil {
		writeStoreError(w, err, "Endpoint")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func ListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := database.ListFolders()
	if err != nil {
		writeStoreError(w, err, "Folder")
		return
	}
	if folders == nil {
		folders = []database.Folder{}
	}
	writeJSON(w, http.StatusOK, folders)
}

func CreateFolder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	folder, err := database.CreateFolder(req.Path)
	if err != nil {
		writeStoreError(w, err, "Folder")
		return
	}
	writeJSON(w, http.StatusCreated, folder)
}

// DeleteFolder handles DELETE /api/v1/folders/*. The folder's descendants
// and every endpoint stored beneath it are removed too.
func DeleteFolder(w http.ResponseWriter, r *http.Request) {
	if err := database.DeleteFolder(chi.URLParam(r, "*")); err != nil {
		writeStoreError(w, err, "Folder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
