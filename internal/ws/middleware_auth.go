package ws

import (
	"net/http"

	"github.com/shallabuf/collabd/internal/auth"
	apperrors "github.com/shallabuf/collabd/internal/errors"
	"github.com/shallabuf/collabd/internal/logger"
)

// authenticate validates the bearer token carried on the upgrade URL's
// "token" query parameter. On success it sends an auth_success text frame
// and returns the caller's identity; on failure it sends an error frame and
// the caller must close the connection without proceeding.
func authenticate(validator *auth.Validator, r *http.Request, conn *Connection) (auth.Identity, bool) {
	log := logger.WebSocket()
	token := r.URL.Query().Get("token")

	id, err := validator.Validate(token)
	if err != nil {
		appErr, ok := err.(*apperrors.AppError)
		if !ok {
			appErr = apperrors.TokenInvalid(err)
		}
		log.Warn().Err(err).Msg("websocket authentication failed")
		_ = conn.WriteJSON(appErr.ToFrame())
		return auth.Identity{}, false
	}

	if err := conn.WriteJSON(newAuthSuccessFrame()); err != nil {
		log.Warn().Err(err).Msg("failed to write auth_success frame")
		return auth.Identity{}, false
	}
	return id, true
}
