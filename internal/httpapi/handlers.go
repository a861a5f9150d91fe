package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"pocketllm/internal/chats"
	"pocketllm/internal/credentials"
	"pocketllm/internal/embeddings"
	"pocketllm/internal/jobs"
	"pocketllm/internal/modelconfigs"
)

// providers

func (a *api) listProviders(w http.ResponseWriter, r *http.Request) {
	out, err := a.creds.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) activateProvider(w http.ResponseWriter, r *http.Request) {
	var in credentials.ActivateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	view, created, err := a.creds.Activate(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeData(w, r, status, view)
}

func (a *api) updateProvider(w http.ResponseWriter, r *http.Request) {
	var in credentials.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := a.creds.Update(r.Context(), userID(r), chi.URLParam(r, "provider"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}

func (a *api) deactivateProvider(w http.ResponseWriter, r *http.Request) {
	view, err := a.creds.Deactivate(r.Context(), userID(r), chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, view)
}

func (a *api) listProviderModels(w http.ResponseWriter, r *http.Request) {
	out, err := a.dispatcher.ListModels(r.Context(), userID(r), chi.URLParam(r, "provider"), r.URL.Query().Get("search"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

// model configs

func (a *api) listModelConfigs(w http.ResponseWriter, r *http.Request) {
	out, err := a.configs.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) createModelConfig(w http.ResponseWriter, r *http.Request) {
	var in modelconfigs.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := a.configs.Create(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, out)
}

func (a *api) getModelConfig(w http.ResponseWriter, r *http.Request) {
	out, err := a.configs.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) updateModelConfig(w http.ResponseWriter, r *http.Request) {
	var in modelconfigs.UpdateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := a.configs.Update(r.Context(), userID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) deleteModelConfig(w http.ResponseWriter, r *http.Request) {
	if err := a.configs.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func (a *api) setDefaultModelConfig(w http.ResponseWriter, r *http.Request) {
	out, err := a.configs.SetDefault(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

// chats

func (a *api) listChats(w http.ResponseWriter, r *http.Request) {
	out, err := a.chats.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) createChat(w http.ResponseWriter, r *http.Request) {
	var in chats.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := a.chats.Create(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, out)
}

func (a *api) getChat(w http.ResponseWriter, r *http.Request) {
	out, err := a.chats.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) deleteChat(w http.ResponseWriter, r *http.Request) {
	if err := a.chats.Delete(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	out, err := a.chats.ListMessages(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var in chats.SendInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := a.chats.Send(r.Context(), userID(r), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, out)
}

// embeddings

func (a *api) createEmbeddings(w http.ResponseWriter, r *http.Request) {
	var in embeddings.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := a.embeddings.Create(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) listCollections(w http.ResponseWriter, r *http.Request) {
	out, err := a.embeddings.ListCollections(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) listCollectionEmbeddings(w http.ResponseWriter, r *http.Request) {
	out, err := a.embeddings.ListEmbeddings(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) deleteCollection(w http.ResponseWriter, r *http.Request) {
	if err := a.embeddings.DeleteCollection(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	writeNoContent(w)
}

// jobs

type jobAccepted struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (a *api) createImageJob(w http.ResponseWriter, r *http.Request) {
	var in jobs.CreateInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, err)
		return
	}
	view, err := a.jobs.Create(r.Context(), userID(r), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, jobAccepted{JobID: view.ID, Status: view.Status})
}

func (a *api) listJobs(w http.ResponseWriter, r *http.Request) {
	out, err := a.jobs.List(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	out, err := a.jobs.Get(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}

func (a *api) cancelJob(w http.ResponseWriter, r *http.Request) {
	out, err := a.jobs.Cancel(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, out)
}
