package api

import (
	"net/http"

	"github.com/ongoingai/ragmetrics/internal/frameworks"
	"github.com/ongoingai/ragmetrics/internal/pricing"
)

type catalogFramework struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Models      []string `json:"models"`
}

type catalogPrice struct {
	Model    string        `json:"model"`
	Provider string        `json:"provider"`
	Price    pricing.Price `json:"price_per_1k_tokens"`
}

type catalogResponse struct {
	Frameworks   []catalogFramework `json:"frameworks"`
	VectorStores []string           `json:"vector_stores"`
	DefaultModel string             `json:"default_model"`
	Pricing      []catalogPrice     `json:"pricing"`
}

// CatalogHandler lists the enabled frameworks and vector stores along with
// the price table used for cost estimation.
func CatalogHandler(catalog *frameworks.Catalog, table *pricing.Table) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}

		resp := catalogResponse{
			Frameworks:   []catalogFramework{},
			VectorStores: catalog.VectorStores(),
			DefaultModel: table.DefaultModel(),
			Pricing:      []catalogPrice{},
		}
		for _, fw := range catalog.Frameworks() {
			resp.Frameworks = append(resp.Frameworks, catalogFramework{
				ID:          string(fw.ID()),
				DisplayName: fw.DisplayName(),
				Models:      fw.SupportedModels(),
			})
		}
		for _, model := range table.Models() {
			_, price := table.Resolve(model)
			resp.Pricing = append(resp.Pricing, catalogPrice{
				Model:    model,
				Provider: frameworks.Provider(model),
				Price:    price,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
