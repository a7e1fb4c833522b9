package normalize

import (
	"sort"
	"strings"

	"github.com/c.mueller/pm-connect/internal/models"
)

func sortedKeys(o object) []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mondayAdapter handles Monday.com item webhooks: event.pulseId with
// columnValues on create, event.value on column changes
type mondayAdapter struct{}

func (mondayAdapter) Platform() models.Platform { return models.PlatformMonday }

func (mondayAdapter) Normalize(raw map[string]any) (models.NormalizedTask, bool) {
	ev := object(raw).obj("event")
	if ev == nil {
		return models.NormalizedTask{}, false
	}
	id := ev.first("pulseId", "itemId")
	if id == "" {
		return models.NormalizedTask{}, false
	}

	task := models.NormalizedTask{
		ExternalTaskID:  id,
		ExternalBoardID: ev.str("boardId"),
		Title:           ev.first("pulseName", "itemName"),
	}

	cols := ev.obj("columnValues")
	for _, key := range sortedKeys(cols) {
		col, ok := asObject(cols[key])
		if !ok {
			continue
		}
		applyMondayColumn(&task, strings.ToLower(key), col)
	}

	if value := ev.obj("value"); value != nil {
		applyMondayColumn(&task, strings.ToLower(ev.str("columnId")), value)
	}
	return task, true
}

func applyMondayColumn(task *models.NormalizedTask, key string, col object) {
	switch {
	case col.get("personsAndTeams") != nil:
		if task.AssigneeExternalID == "" {
			task.AssigneeExternalID = firstID(asSlice(col.get("personsAndTeams")), "id")
		}
	case col.get("label") != nil:
		label := col.str("label", "text")
		if label == "" {
			label = col.str("label")
		}
		if strings.Contains(key, "priority") {
			task.Priority = priorityFrom(label)
		} else if task.Priority == "" {
			task.Priority = priorityFrom(label)
		}
	case col.get("date") != nil:
		if task.DueDate == nil {
			date := col.str("date")
			if tm := col.str("time"); tm != "" {
				date = date + " " + tm
			}
			task.DueDate = parseDate(date)
		}
	case col.get("address") != nil:
		task.DestinationAddress = col.str("address")
		if lat, lng, ok := parseLatLng(col.get("lat"), col.get("lng")); ok {
			task.Destination = &models.LatLng{Lat: lat, Lng: lng}
		}
	case col.get("text") != nil:
		text := col.str("text")
		switch {
		case strings.Contains(key, "address") || strings.Contains(key, "location"):
			task.DestinationAddress = text
		case task.Description == "":
			task.Description = text
		}
	}
}

// clickUpAdapter handles ClickUp webhooks (task_id at the top level) and
// automation calls (task fields under "payload" or "task")
type clickUpAdapter struct{}

func (clickUpAdapter) Platform() models.Platform { return models.PlatformClickUp }

func (clickUpAdapter) Normalize(raw map[string]any) (models.NormalizedTask, bool) {
	p := object(raw)
	src := p
	switch {
	case p.obj("task") != nil:
		src = p.obj("task")
	case p.obj("payload") != nil && p.obj("payload").str("id") != "":
		src = p.obj("payload")
	}

	id := p.str("task_id")
	if id == "" {
		id = src.str("id")
	}
	if id == "" {
		return models.NormalizedTask{}, false
	}

	task := models.NormalizedTask{
		ExternalTaskID: id,
		Title:          src.first("name", "title"),
		Description:    src.first("description", "text_content"),
		Priority:       clickUpPriority(src.get("priority")),
		DueDate:        parseDate(src.get("due_date")),
	}

	task.ExternalBoardID = src.str("list", "id")
	if task.ExternalBoardID == "" {
		task.ExternalBoardID = src.first("list_id")
	}
	if task.ExternalBoardID == "" {
		task.ExternalBoardID = p.first("list_id")
	}

	assignees := asSlice(src.get("assignees"))
	if assignees == nil {
		assignees = asSlice(p.get("assignees"))
	}
	task.AssigneeExternalID = firstID(assignees, "id")
	if len(assignees) > 0 {
		if a, ok := asObject(assignees[0]); ok {
			task.AssigneeName = a.first("username", "name")
		}
	}

	for _, item := range asSlice(p.get("history_items")) {
		h, ok := asObject(item)
		if !ok {
			continue
		}
		switch h.str("field") {
		case "assignee_add":
			if task.AssigneeExternalID == "" {
				task.AssigneeExternalID = h.str("after", "id")
				task.AssigneeName = h.str("after", "username")
			}
		case "priority":
			if task.Priority == "" {
				task.Priority = clickUpPriority(h.get("after"))
			}
		case "due_date":
			if task.DueDate == nil {
				task.DueDate = parseDate(h.get("after"))
			}
		case "name":
			if task.Title == "" {
				task.Title = h.str("after")
			}
		}
	}
	return task, true
}

// clickUpPriority maps ClickUp's numeric priority ids (1 urgent .. 4 low),
// also accepting the {id, priority} object form
func clickUpPriority(v any) models.Priority {
	var id, label string
	if o, ok := asObject(v); ok {
		id = o.str("id")
		label = o.str("priority")
	} else {
		id = scalarString(v)
	}
	switch id {
	case "1":
		return models.PriorityUrgent
	case "2":
		return models.PriorityHigh
	case "3":
		return models.PriorityMedium
	case "4":
		return models.PriorityLow
	}
	if label == "" {
		label = id
	}
	return priorityFrom(label)
}

// asanaAdapter handles Asana event batches (events[].resource.gid) and the
// full task resource under "data"
type asanaAdapter struct{}

func (asanaAdapter) Platform() models.Platform { return models.PlatformAsana }

func (asanaAdapter) Normalize(raw map[string]any) (models.NormalizedTask, bool) {
	p := object(raw)

	if data := p.obj("data"); data != nil && data.str("gid") != "" {
		return asanaTask(data), true
	}

	for _, item := range asSlice(p.get("events")) {
		ev, ok := asObject(item)
		if !ok {
			continue
		}
		res := ev.obj("resource")
		if res == nil || res.str("gid") == "" {
			continue
		}
		if rt := res.str("resource_type"); rt != "" && rt != "task" {
			continue
		}

		task := asanaTask(res)
		if parent := ev.obj("parent"); parent != nil && task.ExternalBoardID == "" {
			if rt := parent.str("resource_type"); rt == "" || rt == "project" || rt == "section" {
				task.ExternalBoardID = parent.str("gid")
			}
		}
		if change := ev.obj("change"); change != nil && change.str("field") == "assignee" {
			task.AssigneeExternalID = change.str("new_value", "gid")
			task.AssigneeName = change.str("new_value", "name")
		}
		return task, true
	}
	return models.NormalizedTask{}, false
}

func asanaTask(res object) models.NormalizedTask {
	task := models.NormalizedTask{
		ExternalTaskID:     res.str("gid"),
		Title:              res.str("name"),
		Description:        res.str("notes"),
		AssigneeExternalID: res.str("assignee", "gid"),
		AssigneeName:       res.str("assignee", "name"),
	}
	if task.DueDate = parseDate(res.get("due_at")); task.DueDate == nil {
		task.DueDate = parseDate(res.get("due_on"))
	}
	task.ExternalBoardID = firstID(asSlice(res.get("projects")), "gid")
	if task.ExternalBoardID == "" {
		for _, m := range asSlice(res.get("memberships")) {
			if mo, ok := asObject(m); ok {
				if gid := mo.str("project", "gid"); gid != "" {
					task.ExternalBoardID = gid
					break
				}
			}
		}
	}
	for _, f := range asSlice(res.get("custom_fields")) {
		field, ok := asObject(f)
		if !ok {
			continue
		}
		name := strings.ToLower(field.str("name"))
		switch {
		case strings.Contains(name, "priority"):
			label := field.str("enum_value", "name")
			if label == "" {
				label = field.str("display_value")
			}
			task.Priority = priorityFrom(label)
		case strings.Contains(name, "address") || strings.Contains(name, "location"):
			task.DestinationAddress = field.first("text_value", "display_value")
		}
	}
	return task
}

// trelloAdapter handles Trello board webhooks (action.data.card)
type trelloAdapter struct{}

func (trelloAdapter) Platform() models.Platform { return models.PlatformTrello }

func (trelloAdapter) Normalize(raw map[string]any) (models.NormalizedTask, bool) {
	action := object(raw).obj("action")
	card := action.obj("data", "card")
	if card == nil || card.str("id") == "" {
		return models.NormalizedTask{}, false
	}

	task := models.NormalizedTask{
		ExternalTaskID:     card.str("id"),
		ExternalBoardID:    action.str("data", "board", "id"),
		Title:              card.str("name"),
		Description:        card.str("desc"),
		DueDate:            parseDate(card.get("due")),
		DestinationAddress: card.first("address", "locationName"),
	}
	if coords := card.obj("coordinates"); coords != nil {
		if lat, lng, ok := parseLatLng(coords.get("latitude"), coords.get("longitude")); ok {
			task.Destination = &models.LatLng{Lat: lat, Lng: lng}
		}
	}

	switch {
	case action.str("member", "id") != "":
		task.AssigneeExternalID = action.str("member", "id")
		task.AssigneeName = action.str("member", "fullName")
	case action.str("data", "idMember") != "":
		task.AssigneeExternalID = action.str("data", "idMember")
	default:
		task.AssigneeExternalID = firstID(asSlice(card.get("idMembers")))
	}

	labels := asSlice(card.get("labels"))
	if label := action.obj("data", "label"); label != nil {
		labels = append(labels, map[string]any(label))
	}
	for _, l := range labels {
		lo, ok := asObject(l)
		if !ok {
			continue
		}
		if p := priorityFrom(lo.str("name")); p != "" {
			task.Priority = p
			break
		}
	}
	return task, true
}

// notionAdapter handles Notion page payloads (automation webhooks wrap the
// page in "data")
type notionAdapter struct{}

func (notionAdapter) Platform() models.Platform { return models.PlatformNotion }

func (notionAdapter) Normalize(raw map[string]any) (models.NormalizedTask, bool) {
	p := object(raw)
	page := p.obj("data")
	if page == nil || page.obj("properties") == nil {
		page = p
	}
	props := page.obj("properties")
	if props == nil || page.str("id") == "" {
		return models.NormalizedTask{}, false
	}

	task := models.NormalizedTask{
		ExternalTaskID:  page.str("id"),
		ExternalBoardID: page.str("parent", "database_id"),
	}

	for _, key := range sortedKeys(props) {
		prop, ok := asObject(props[key])
		if !ok {
			continue
		}
		name := strings.ToLower(key)
		switch prop.str("type") {
		case "title":
			task.Title = notionText(asSlice(prop.get("title")))
		case "select", "status":
			if strings.Contains(name, "priority") {
				task.Priority = priorityFrom(prop.str(prop.str("type"), "name"))
			}
		case "people":
			people := asSlice(prop.get("people"))
			if task.AssigneeExternalID == "" {
				task.AssigneeExternalID = firstID(people, "id")
				if len(people) > 0 {
					if person, ok := asObject(people[0]); ok {
						task.AssigneeName = person.str("name")
					}
				}
			}
		case "date":
			if task.DueDate == nil {
				task.DueDate = parseDate(prop.get("date", "start"))
			}
		case "rich_text":
			text := notionText(asSlice(prop.get("rich_text")))
			switch {
			case strings.Contains(name, "address") || strings.Contains(name, "location"):
				task.DestinationAddress = text
			case strings.Contains(name, "desc") || strings.Contains(name, "note") || strings.Contains(name, "detail"):
				task.Description = text
			}
		}
	}
	return task, true
}

func notionText(parts []any) string {
	var b strings.Builder
	for _, part := range parts {
		if o, ok := asObject(part); ok {
			text := o.str("plain_text")
			if text == "" {
				text = o.str("text", "content")
			}
			b.WriteString(text)
		}
	}
	return strings.TrimSpace(b.String())
}

// genericAdapter reads common field-name aliases from arbitrary JSON
type genericAdapter struct{}

func (genericAdapter) Platform() models.Platform { return models.PlatformOther }

func (genericAdapter) Normalize(raw map[string]any) (models.NormalizedTask, bool) {
	p := object(raw)
	task := genericTask(p)
	if task.Title == "" && task.ExternalTaskID == "" && task.Description == "" {
		// Tools commonly wrap the record in an envelope
		for _, key := range []string{"data", "task", "issue", "ticket", "item", "payload"} {
			if inner := p.obj(key); inner != nil {
				task = genericTask(inner)
				if task.Title != "" || task.ExternalTaskID != "" || task.Description != "" {
					break
				}
			}
		}
	}
	if task.Title == "" && task.ExternalTaskID == "" && task.Description == "" {
		return models.NormalizedTask{}, false
	}
	return task, true
}

func genericTask(p object) models.NormalizedTask {
	task := models.NormalizedTask{
		Title:           p.first("title", "subject", "name", "summary"),
		ExternalTaskID:  p.first("id", "task_id", "taskId", "external_id", "externalId", "ticket_id"),
		ExternalBoardID: p.first("board_id", "boardId", "project_id", "projectId", "list_id"),
		DueDate:         parseDate(p.first("due_date", "dueDate", "deadline", "due", "due_at")),
	}

	description := p.first("message", "description", "text", "body", "content", "details")
	link := p.first("url", "link", "html_url")
	task.Description = joinNonEmpty("\n\n", description, link)

	for _, key := range []string{"priority", "severity", "urgency"} {
		v := p.get(key)
		if o, ok := asObject(v); ok {
			v = o.get("name")
		}
		if pr := priorityFrom(scalarString(v)); pr != "" {
			task.Priority = pr
			break
		}
	}

	if a, ok := asObject(p.get("assignee")); ok {
		task.AssigneeExternalID = a.first("id", "external_id", "username")
		task.AssigneeName = a.first("name", "display_name")
	} else {
		task.AssigneeExternalID = p.first("assignee", "assignee_id", "assigneeId", "worker_id", "workerId", "user_id")
	}
	if task.AssigneeName == "" {
		task.AssigneeName = p.first("assignee_name", "worker_name")
	}

	task.DestinationAddress = p.first("address", "destination_address", "destinationAddress")
	for _, key := range []string{"destination", "location"} {
		switch v := p.get(key).(type) {
		case string:
			if task.DestinationAddress == "" {
				task.DestinationAddress = strings.TrimSpace(v)
			}
		case map[string]any:
			o := object(v)
			if task.DestinationAddress == "" {
				task.DestinationAddress = o.str("address")
			}
			if task.Destination == nil {
				if lat, lng, ok := parseLatLng(o.get("lat"), o.get("lng")); ok {
					task.Destination = &models.LatLng{Lat: lat, Lng: lng}
				}
			}
		}
	}
	if task.Destination == nil {
		if lat, lng, ok := parseLatLng(p.get("lat"), p.get("lng")); ok {
			task.Destination = &models.LatLng{Lat: lat, Lng: lng}
		} else if lat, lng, ok := parseLatLng(p.get("latitude"), p.get("longitude")); ok {
			task.Destination = &models.LatLng{Lat: lat, Lng: lng}
		}
	}
	return task
}
