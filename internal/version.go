package internal

// Version is the current release. Bump with each tag.
const Version = "0.1.0"
