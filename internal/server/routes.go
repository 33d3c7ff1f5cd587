package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", HealthHandler)
	mux.HandleFunc("GET /health", HealthHandler)

	// Auth routes are served under /api/auth and the bare /auth prefix.
	for _, prefix := range []string{"/api/auth", "/auth"} {
		mux.HandleFunc("POST "+prefix+"/signup", s.handleSignup)
		mux.HandleFunc("POST "+prefix+"/login", s.handleLogin)
		mux.HandleFunc("POST "+prefix+"/logout", s.handleLogout)
		mux.HandleFunc("GET "+prefix+"/check", s.requireSession(s.handleCheck))
		mux.HandleFunc("PUT "+prefix+"/update-profile", s.requireSession(s.handleUpdateProfile))
	}
	mux.HandleFunc("GET /api/users/online", s.requireSession(s.handleOnline))

	mux.HandleFunc("POST /sign-up", s.handleRecordSignup)
	mux.HandleFunc("POST /login", s.handleRecordLogin)
	mux.HandleFunc("POST /upload-food", s.handleUploadFood)
	mux.HandleFunc("POST /make-order", s.handleMakeOrder)
	mux.HandleFunc("GET /foods", s.handleListFoods)
	mux.HandleFunc("GET /orders", s.handleListOrders)

	mux.HandleFunc("/ws", s.WebSocketHandler)
	return mux
}
