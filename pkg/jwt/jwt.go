package jwt

import (
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "vehicle-guard"

// Roles carried in tokens.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

var ErrInvalidToken = errors.New("invalid token")

type JWTUtil struct {
	secretKey []byte
	expiry    time.Duration
}

// Claims identify a dashboard user and the vehicles they may see. Admins see
// every vehicle regardless of VehicleIDs.
type Claims struct {
	UserID     string   `json:"user_id"`
	Role       string   `json:"role"`
	VehicleIDs []string `json:"vehicle_ids,omitempty"`
	jwt.RegisteredClaims
}

// AllVehicles reports whether the holder is not restricted to VehicleIDs.
func (c *Claims) AllVehicles() bool {
	return c.Role == RoleAdmin
}

// CanAccess reports whether vehicleID is within the holder's scope.
func (c *Claims) CanAccess(vehicleID string) bool {
	return c.AllVehicles() || slices.Contains(c.VehicleIDs, vehicleID)
}

// CanCommand reports whether the holder may issue remote commands.
func (c *Claims) CanCommand() bool {
	return c.Role == RoleAdmin || c.Role == RoleOperator
}

func NewJWTUtil(secret string, expiry time.Duration) *JWTUtil {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &JWTUtil{
		secretKey: []byte(secret),
		expiry:    expiry,
	}
}

func (j *JWTUtil) GenerateToken(userID, role string, vehicleIDs []string) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:     userID,
		Role:       role,
		VehicleIDs: vehicleIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(j.expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secretKey)
}

func (j *JWTUtil) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return j.secretKey, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// RefreshToken reissues a token that expires within the hour.
func (j *JWTUtil) RefreshToken(tokenString string) (string, error) {
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return "", err
	}

	if time.Until(claims.ExpiresAt.Time) > time.Hour {
		return tokenString, nil
	}
	return j.GenerateToken(claims.UserID, claims.Role, claims.VehicleIDs)
}
