// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

// Package authz enforces per-project roles with a casbin RBAC-with-domains
// model.
//
// Every project is a domain named "project:<id>". Role permissions are
// global and embedded (policy.csv); a membership is a grouping policy
//
//	g, user:<userID>, <role>, project:<projectID>
//
// loaded from the project_members table at startup and kept current by
// AddMember and RemoveMember. Resources are the API's nouns (project,
// members, data_sources, syncs, tables, data_models, dashboards, analyses)
// and actions are read, write and delete.
//
// Role summary:
//
//	owner   every action
//	admin   every action except deleting the project
//	editor  read and write on sources, syncs, models, dashboards, analyses
//	viewer  read
package authz
