package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/Tyrowin/presence-chat/internal/model"
	"github.com/Tyrowin/presence-chat/internal/session"
	"github.com/Tyrowin/presence-chat/internal/store"
)

// Identity headers attributing writes on the record service.
const (
	FarmerIDHeader   = "Farmer-ID"
	ConsumerIDHeader = "Consumer-ID"
)

func (s *Server) handleRecordSignup(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(w, r, "user", &creds); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.gate.Register(r.Context(), creds)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user.Public())
}

func (s *Server) handleRecordLogin(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials
	if err := decodeJSON(w, r, "user", &creds); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.gate.Authenticate(r.Context(), creds); err != nil {
		if errors.Is(err, session.ErrRejected) {
			writeMessage(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, "Login successful")
}

func (s *Server) handleUploadFood(w http.ResponseWriter, r *http.Request) {
	var food model.FoodItem
	if err := decodeJSON(w, r, "food item", &food); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	farmerID := strings.TrimSpace(r.Header.Get(FarmerIDHeader))
	if farmerID == "" {
		writeMessage(w, http.StatusUnauthorized, "Farmer ID is required")
		return
	}
	food.FarmerID = farmerID
	food.ID = strings.TrimSpace(food.ID)
	if food.ID == "" {
		food.ID = uuid.NewString()
	}
	if err := food.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.foods.Put(r.Context(), food.ID, food); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("food item stored", "food_id", food.ID, "farmer_id", farmerID)
	writeJSON(w, http.StatusCreated, food)
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var order model.Order
	if err := decodeJSON(w, r, "order", &order); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	consumerID := strings.TrimSpace(r.Header.Get(ConsumerIDHeader))
	if consumerID == "" {
		writeMessage(w, http.StatusUnauthorized, "Consumer ID is required")
		return
	}
	order.ConsumerID = consumerID
	order.ID = strings.TrimSpace(order.ID)
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if err := order.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.foods.Get(r.Context(), order.FoodID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "Food item not found")
			return
		}
		s.writeError(w, r, err)
		return
	}

	if err := s.orders.Put(r.Context(), order.ID, order); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("order stored", "order_id", order.ID, "consumer_id", consumerID)
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListFoods(w http.ResponseWriter, r *http.Request) {
	foods, err := s.foods.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if foods == nil {
		foods = []model.FoodItem{}
	}
	writeJSON(w, http.StatusOK, foods)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}
