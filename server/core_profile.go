// Copyright 2024 The Wingman Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"
)

const (
	ExperienceBeginner     = "beginner"
	ExperienceIntermediate = "intermediate"
	ExperienceAdvanced     = "advanced"

	PrivacyModePrecise  = "precise"
	PrivacyModeCityOnly = "city_only"
)

var (
	ErrProfileNotFound     = errors.New("profile not found")
	ErrUserIDInvalid       = errors.New("user id must be 1-128 characters")
	ErrBioInvalid          = errors.New("bio must be 1-400 characters")
	ErrCityInvalid         = errors.New("city must be at most 100 characters")
	ErrCoordinatesInvalid  = errors.New("latitude must be between -90 and 90, longitude between -180 and 180")
	ErrTravelRadiusInvalid = errors.New("travel radius must be between 1 and 50 miles")
	ErrPrivacyModeInvalid  = errors.New("privacy mode must be precise or city_only")
)

// experienceOrdinal maps a level onto the ordered scale used for
// compatibility filtering. Unknown or unset levels return ok=false.
func experienceOrdinal(level string) (int, bool) {
	switch level {
	case ExperienceBeginner:
		return 0, true
	case ExperienceIntermediate:
		return 1, true
	case ExperienceAdvanced:
		return 2, true
	default:
		return 0, false
	}
}

type UserProfile struct {
	ID                  string
	Email               string
	DisplayName         string
	Bio                 string
	ExperienceLevel     string
	ConfidenceArchetype string
	PhotoURL            string
}

type UserLocation struct {
	UserID            string
	Lat               float64
	Lng               float64
	City              string
	TravelRadiusMiles int
	PrivacyMode       string
}

type ProfileCompletion struct {
	UserID            string
	Bio               string
	Lat               float64
	Lng               float64
	City              string
	PrivacyMode       string
	TravelRadiusMiles int
	PhotoURL          string
}

func validUserID(userID string) bool {
	l := len(userID)
	return l >= 1 && l <= 128
}

// EnsureUserProfile creates a placeholder profile row for an id the core has
// not seen before. Profiles referenced by matches must exist to preserve
// referential integrity, so callers run this before inserting a match.
func EnsureUserProfile(ctx context.Context, logger *zap.Logger, db *sql.DB, userID string) error {
	if !validUserID(userID) {
		return ErrUserIDInvalid
	}

	_, err := db.ExecContext(ctx, `
INSERT INTO users (id)
VALUES ($1)
ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		logger.Error("Could not ensure user profile.", zap.String("user_id", userID), zap.Error(err))
		return err
	}
	return nil
}

func GetUserProfile(ctx context.Context, logger *zap.Logger, db *sql.DB, userID string) (*UserProfile, error) {
	if !validUserID(userID) {
		return nil, ErrUserIDInvalid
	}

	profile := &UserProfile{ID: userID}
	var photoURL sql.NullString
	err := db.QueryRowContext(ctx, `
SELECT email, display_name, bio, experience_level, confidence_archetype, photo_url
FROM users
WHERE id = $1`, userID).Scan(&profile.Email, &profile.DisplayName, &profile.Bio, &profile.ExperienceLevel, &profile.ConfidenceArchetype, &photoURL)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		logger.Error("Could not retrieve user profile.", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	profile.PhotoURL = photoURL.String
	return profile, nil
}

// CompleteUserProfile stores the bio, photo and matching geometry supplied at
// the end of onboarding. The location row is upserted keyed by user id. When
// privacy mode is city_only the coordinates are stored as the 0,0 sentinel so
// precise radius queries never see them. Returns whether the profile now has
// everything the matcher needs: an experience level, an archetype and a
// location.
func CompleteUserProfile(ctx context.Context, logger *zap.Logger, db *sql.DB, completion *ProfileCompletion) (bool, error) {
	if !validUserID(completion.UserID) {
		return false, ErrUserIDInvalid
	}

	bio := sanitizeText(completion.Bio)
	if l := textLength(bio); l < 1 || l > 400 {
		return false, ErrBioInvalid
	}
	if completion.TravelRadiusMiles < 1 || completion.TravelRadiusMiles > 50 {
		return false, ErrTravelRadiusInvalid
	}

	lat, lng := completion.Lat, completion.Lng
	switch completion.PrivacyMode {
	case PrivacyModeCityOnly:
		lat, lng = 0, 0
	case PrivacyModePrecise:
		if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
			return false, ErrCoordinatesInvalid
		}
	default:
		return false, ErrPrivacyModeInvalid
	}

	city := sanitizeText(completion.City)
	if textLength(city) > 100 {
		return false, ErrCityInvalid
	}

	var experienceLevel, archetype string
	if err := ExecuteInTx(ctx, db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
UPDATE users
SET bio = $2, photo_url = COALESCE(NULLIF($3, ''), photo_url), update_time = now()
WHERE id = $1
RETURNING experience_level, confidence_archetype`, completion.UserID, bio, completion.PhotoURL).Scan(&experienceLevel, &archetype)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrProfileNotFound
			}
			return err
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO user_locations (user_id, lat, lng, city, travel_radius_miles, privacy_mode, update_time)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (user_id) DO UPDATE
SET lat = $2, lng = $3, city = $4, travel_radius_miles = $5, privacy_mode = $6, update_time = now()`,
			completion.UserID, lat, lng, city, completion.TravelRadiusMiles, completion.PrivacyMode)
		return err
	}); err != nil {
		if err == ErrProfileNotFound {
			return false, err
		}
		logger.Error("Could not complete user profile.", zap.String("user_id", completion.UserID), zap.Error(err))
		return false, err
	}

	_, hasLevel := experienceOrdinal(experienceLevel)
	readyForMatching := hasLevel && archetype != ""
	return readyForMatching, nil
}

// GetUserLocation returns the stored location row, or ErrProfileNotFound when
// the user has never completed their profile.
func GetUserLocation(ctx context.Context, logger *zap.Logger, db *sql.DB, userID string) (*UserLocation, error) {
	if !validUserID(userID) {
		return nil, ErrUserIDInvalid
	}

	location := &UserLocation{UserID: userID}
	err := db.QueryRowContext(ctx, `
SELECT lat, lng, city, travel_radius_miles, privacy_mode
FROM user_locations
WHERE user_id = $1`, userID).Scan(&location.Lat, &location.Lng, &location.City, &location.TravelRadiusMiles, &location.PrivacyMode)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrProfileNotFound
		}
		logger.Error("Could not retrieve user location.", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}
	return location, nil
}
