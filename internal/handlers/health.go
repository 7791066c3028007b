package handlers

import "net/http"

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	auditStatus := "disabled"
	if Auditor != nil {
		auditStatus = "enabled"
	}
	conns := 0
	if Registry != nil {
		conns = Registry.Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": conns,
		"audit":       auditStatus,
	})
}
