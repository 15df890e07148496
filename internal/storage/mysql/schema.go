package mysql

// currentSchemaVersion is bumped whenever schema below changes shape.
const currentSchemaVersion = 1

const schema = `
-- Engine metadata
CREATE TABLE IF NOT EXISTS config (
    ` + "`key`" + ` VARCHAR(191) PRIMARY KEY,
    ` + "`value`" + ` TEXT NOT NULL
);

-- Applications: workflow containers. Permit sets are JSON string arrays.
CREATE TABLE IF NOT EXISTS applications (
    acronym VARCHAR(50) PRIMARY KEY,
    description TEXT NOT NULL,
    start_date DATETIME NULL,
    end_date DATETIME NULL,
    permit_create TEXT NOT NULL,
    permit_open TEXT NOT NULL,
    permit_todo TEXT NOT NULL,
    permit_doing TEXT NOT NULL,
    permit_done TEXT NOT NULL,
    task_counter BIGINT NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);

-- Plans: named per application; window nests inside the application window.
CREATE TABLE IF NOT EXISTS plans (
    app_acronym VARCHAR(50) NOT NULL,
    name VARCHAR(255) NOT NULL,
    start_date DATETIME NULL,
    end_date DATETIME NULL,
    created_at DATETIME NOT NULL,
    PRIMARY KEY (app_acronym, name),
    CONSTRAINT fk_plans_app FOREIGN KEY (app_acronym) REFERENCES applications(acronym)
);

-- Tasks: ordinal unique within the application (display id ACRONYM_ordinal).
CREATE TABLE IF NOT EXISTS tasks (
    app_acronym VARCHAR(50) NOT NULL,
    ordinal BIGINT NOT NULL,
    name VARCHAR(255) NOT NULL,
    description TEXT NOT NULL,
    plan_name VARCHAR(255) NOT NULL DEFAULT '',
    stage VARCHAR(10) NOT NULL DEFAULT 'open',
    creator VARCHAR(191) NOT NULL,
    owner VARCHAR(191) NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    PRIMARY KEY (app_acronym, ordinal),
    KEY idx_tasks_stage (app_acronym, stage),
    CONSTRAINT fk_tasks_app FOREIGN KEY (app_acronym) REFERENCES applications(acronym)
);

-- Append-only note log. Rows are only ever inserted.
CREATE TABLE IF NOT EXISTS task_notes (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    app_acronym VARCHAR(50) NOT NULL,
    ordinal BIGINT NOT NULL,
    author VARCHAR(191) NOT NULL,
    stage VARCHAR(10) NOT NULL,
    note TEXT NOT NULL,
    is_system TINYINT(1) NOT NULL DEFAULT 0,
    created_at DATETIME(6) NOT NULL,
    KEY idx_notes_task (app_acronym, ordinal, id),
    CONSTRAINT fk_notes_task FOREIGN KEY (app_acronym, ordinal) REFERENCES tasks(app_acronym, ordinal)
);

-- Group membership read by the directory collaborator. Account management
-- itself lives outside this engine; this table is its read surface.
CREATE TABLE IF NOT EXISTS user_groups (
    username VARCHAR(191) NOT NULL,
    group_name VARCHAR(191) NOT NULL,
    PRIMARY KEY (username, group_name)
);
`
