// Package session mirrors live connection state into Redis. Each open
// connection gets a hash, each user a set of connection IDs, and every
// disconnect stamps the user's last-seen time. Other relay instances and
// operational tooling read this directory; delivery never depends on it.
package session
