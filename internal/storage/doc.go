// Package storage provides the persistence layer behind the daily
// notification pipeline.
//
// It currently backs:
//   - Domain records (attendance, expense, leave, supervision)
//   - The legend dictionary (abbreviation -> description)
//   - The notification settings singleton
package storage
