// Package auth implements account registration, login and request
// authentication for technicians and managers.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	app "github.com/ticketflow-io/ticketflow/cmd/api/app"
)

// AuthUser represents the authenticated user attached to the request.
type AuthUser struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	EmployeeID string `json:"employeeId"`
}

// User is the API shape of an account.
type User struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Email              string     `json:"email"`
	EmployeeID         string     `json:"employeeId"`
	Role               string     `json:"role"`
	Department         string     `json:"department"`
	IsActive           bool       `json:"isActive"`
	LastLoginAt        *time.Time `json:"lastLoginAt,omitempty"`
	TotalTickets       int        `json:"totalTickets"`
	TotalBillableHours float64    `json:"totalBillableHours"`
	CreatedAt          time.Time  `json:"createdAt"`
}

const tokenTTL = 7 * 24 * time.Hour

// GenerateToken issues a signed local-mode bearer token for a user.
func GenerateToken(secret, userID, email, name, role string) (string, error) {
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"name":  name,
		"role":  role,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(tokenTTL).Unix(),
		"mode":  "local",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Middleware validates the bearer token and loads the account. Local mode
// verifies an HS256 token; oidc mode verifies against the issuer's JWKS and
// provisions an account row on first sight.
func Middleware(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.TestBypassAuth {
			c.Set("user", AuthUser{
				ID:    "test-user",
				Email: "test@example.com",
				Name:  "Test User",
				Role:  "technician",
			})
			c.Next()
			return
		}
		h := c.GetHeader("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimPrefix(h, "Bearer ")

		if a.Cfg.AuthMode == "oidc" {
			oidcAuth(a, c, tokenStr)
			return
		}

		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(a.Cfg.AuthSecret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		sub := getStringClaim(claims, "sub")
		u, err := loadActiveUser(c.Request.Context(), a, "id", sub)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account not found or deactivated"})
			return
		}
		c.Set("user", u)
		c.Next()
	}
}

func oidcAuth(a *app.App, c *gin.Context, tokenStr string) {
	if a.Keyf == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwks not configured"})
		return
	}
	token, err := jwt.Parse(tokenStr, a.Keyf)
	if err != nil || !token.Valid {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	sub := getStringClaim(claims, "sub")
	email := strings.ToLower(getStringClaim(claims, "email"))
	name := getStringClaim(claims, "name")
	if name == "" {
		name = getStringClaim(claims, "preferred_username")
	}
	role := "technician"
	if groups, ok := claims[a.Cfg.OIDCGroupClaim]; ok {
		if hasGroup(groups, "managers") {
			role = "manager"
		}
	}

	ctx := c.Request.Context()
	u, err := loadActiveUser(ctx, a, "external_id", sub)
	if errors.Is(err, pgx.ErrNoRows) && email != "" {
		err = a.DB.QueryRow(ctx, `
			insert into users (name, email, employee_id, role, external_id, is_active)
			values ($1, $2, $3, $4, $5, true)
			on conflict (email) do update set external_id = excluded.external_id
			returning id, email, name, role, coalesce(employee_id, '')`,
			name, email, "EXT-"+sub, role, sub).
			Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.EmployeeID)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account not found or deactivated"})
		return
	}
	c.Set("user", u)
	c.Next()
}

func hasGroup(groups interface{}, want string) bool {
	switch g := groups.(type) {
	case []interface{}:
		for _, v := range g {
			if s, ok := v.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range g {
			if s == want {
				return true
			}
		}
	case string:
		return g == want
	}
	return false
}

func loadActiveUser(ctx context.Context, a *app.App, col, val string) (AuthUser, error) {
	var u AuthUser
	err := a.DB.QueryRow(ctx,
		"select id, email, name, role, coalesce(employee_id,'') from users where "+col+"=$1 and is_active", val).
		Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.EmployeeID)
	return u, err
}

func getStringClaim(c jwt.MapClaims, key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// CurrentUser extracts the authenticated user from the context.
func CurrentUser(c *gin.Context) (AuthUser, bool) {
	v, ok := c.Get("user")
	if !ok {
		return AuthUser{}, false
	}
	u, ok := v.(AuthUser)
	return u, ok
}

// RequireRole ensures the user has one of the given roles. Managers pass
// every check.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		if u.Role == "manager" {
			c.Next()
			return
		}
		for _, want := range roles {
			if u.Role == want {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	}
}

type registerReq struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Password   string `json:"password" binding:"required,min=6"`
	EmployeeID string `json:"employeeId" binding:"required"`
	Role       string `json:"role" binding:"omitempty,oneof=technician manager"`
	Department string `json:"department"`
}

// Register creates an account and returns a token for it.
func Register(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.AuthMode != "local" {
			app.AbortError(c, http.StatusBadRequest, "registration_disabled", "registration is disabled", nil)
			return
		}
		var in registerReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		if in.Role == "" {
			in.Role = "technician"
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "hash", "could not hash password", nil)
			return
		}
		ctx := c.Request.Context()
		var u User
		err = a.DB.QueryRow(ctx, `
			insert into users (name, email, password_hash, employee_id, role, department, is_active)
			values ($1, lower($2), $3, $4, $5, $6, true)
			returning id, name, email, employee_id, role, coalesce(department,''), is_active, total_tickets, total_billable_hours, created_at`,
			in.Name, in.Email, string(hash), in.EmployeeID, in.Role, in.Department).
			Scan(&u.ID, &u.Name, &u.Email, &u.EmployeeID, &u.Role, &u.Department, &u.IsActive, &u.TotalTickets, &u.TotalBillableHours, &u.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				app.AbortError(c, http.StatusConflict, "duplicate", "email or employee id already registered", nil)
				return
			}
			app.AbortError(c, http.StatusInternalServerError, "db", "could not create account", nil)
			return
		}
		token, err := GenerateToken(a.Cfg.AuthSecret, u.ID, u.Email, u.Name, u.Role)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "token", "could not issue token", nil)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "user": u})
	}
}

type loginReq struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// Login verifies credentials and returns a bearer token.
func Login(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Cfg.AuthMode != "local" {
			app.AbortError(c, http.StatusBadRequest, "login_disabled", "local login is disabled", nil)
			return
		}
		var in loginReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		ctx := c.Request.Context()
		var u User
		var hash string
		err := a.DB.QueryRow(ctx, `
			select id, name, email, employee_id, role, coalesce(department,''), is_active,
			       coalesce(password_hash,''), total_tickets, total_billable_hours, created_at
			from users where lower(email)=lower($1)`, in.Email).
			Scan(&u.ID, &u.Name, &u.Email, &u.EmployeeID, &u.Role, &u.Department, &u.IsActive,
				&hash, &u.TotalTickets, &u.TotalBillableHours, &u.CreatedAt)
		if err != nil || hash == "" {
			app.AbortError(c, http.StatusUnauthorized, "invalid_credentials", "invalid email or password", nil)
			return
		}
		if !u.IsActive {
			app.AbortError(c, http.StatusUnauthorized, "inactive", "account is deactivated", nil)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.Password)) != nil {
			app.AbortError(c, http.StatusUnauthorized, "invalid_credentials", "invalid email or password", nil)
			return
		}
		now := time.Now()
		if _, err := a.DB.Exec(ctx, "update users set last_login_at=$1 where id=$2", now, u.ID); err == nil {
			u.LastLoginAt = &now
		}
		token, err := GenerateToken(a.Cfg.AuthSecret, u.ID, u.Email, u.Name, u.Role)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "token", "could not issue token", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": u})
	}
}

// Logout is a no-op for bearer tokens; clients discard the token.
func Logout() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Me returns the lightweight authenticated identity.
func Me(c *gin.Context) {
	u, ok := CurrentUser(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// Profile returns the full account row for the authenticated user.
func Profile(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		full, err := fetchUser(c.Request.Context(), a, u.ID)
		if err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "account not found", nil)
			return
		}
		c.JSON(http.StatusOK, full)
	}
}

type updateProfileReq struct {
	Name       string `json:"name"`
	Department string `json:"department"`
}

// UpdateProfile changes the mutable account fields.
func UpdateProfile(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in updateProfileReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		ctx := c.Request.Context()
		if in.Name != "" {
			if _, err := a.DB.Exec(ctx, "update users set name=$1, updated_at=now() where id=$2", in.Name, u.ID); err != nil {
				app.AbortError(c, http.StatusInternalServerError, "db", "could not update profile", nil)
				return
			}
		}
		if in.Department != "" {
			if _, err := a.DB.Exec(ctx, "update users set department=$1, updated_at=now() where id=$2", in.Department, u.ID); err != nil {
				app.AbortError(c, http.StatusInternalServerError, "db", "could not update profile", nil)
				return
			}
		}
		full, err := fetchUser(ctx, a, u.ID)
		if err != nil {
			app.AbortError(c, http.StatusNotFound, "not_found", "account not found", nil)
			return
		}
		c.JSON(http.StatusOK, full)
	}
}

type changePasswordReq struct {
	CurrentPassword string `json:"currentPassword" binding:"required"`
	NewPassword     string `json:"newPassword" binding:"required,min=6"`
}

// ChangePassword verifies the current password before setting a new one.
func ChangePassword(a *app.App) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}
		var in changePasswordReq
		if err := c.ShouldBindJSON(&in); err != nil {
			app.AbortError(c, http.StatusBadRequest, "validation", err.Error(), app.BindingFields(err))
			return
		}
		ctx := c.Request.Context()
		var hash string
		if err := a.DB.QueryRow(ctx, "select coalesce(password_hash,'') from users where id=$1", u.ID).Scan(&hash); err != nil || hash == "" {
			app.AbortError(c, http.StatusUnauthorized, "invalid_credentials", "current password is incorrect", nil)
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(in.CurrentPassword)) != nil {
			app.AbortError(c, http.StatusUnauthorized, "invalid_credentials", "current password is incorrect", nil)
			return
		}
		newHash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			app.AbortError(c, http.StatusInternalServerError, "hash", "could not hash password", nil)
			return
		}
		if _, err := a.DB.Exec(ctx, "update users set password_hash=$1, updated_at=now() where id=$2", string(newHash), u.ID); err != nil {
			app.AbortError(c, http.StatusInternalServerError, "db", "could not change password", nil)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func fetchUser(ctx context.Context, a *app.App, id string) (User, error) {
	var u User
	err := a.DB.QueryRow(ctx, `
		select id, name, email, employee_id, role, coalesce(department,''), is_active,
		       last_login_at, total_tickets, total_billable_hours, created_at
		from users where id=$1`, id).
		Scan(&u.ID, &u.Name, &u.Email, &u.EmployeeID, &u.Role, &u.Department, &u.IsActive,
			&u.LastLoginAt, &u.TotalTickets, &u.TotalBillableHours, &u.CreatedAt)
	return u, err
}
