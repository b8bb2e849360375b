package main

// appVersion is dlcd's release version, bumped on tagged release.
const appVersion = "0.1.0"

func version() string {
	return appVersion
}
